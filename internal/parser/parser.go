package parser

// Parser turns a fully expanded category page into product records.
type Parser interface {
	ParseListing(html string, city string) (*Listing, error)
}

package main

import "fmt"

// PageSrc selects the items [First:Last) of upstream page Page.
type PageSrc struct {
	Page  int
	First int
	Last  int
}

// PlanPages lists the upstream pages of size perPage that cover items
// [skip, skip+limit), trimming the first and last page to the window.
func PlanPages(skip int, limit int, perPage int) []PageSrc {
	if limit <= 0 || perPage <= 0 {
		return nil
	}
	skip = max(skip, 0)
	var startOffset = skip
	var endOffset = startOffset + limit
	var firstPage = 1 + (startOffset / perPage)
	var first = (firstPage - 1) * perPage
	var last = first + perPage
	pages := []PageSrc{{
		Page:  firstPage,
		First: startOffset - first,
		Last:  min(perPage, endOffset-first),
	}}
	for last < endOffset {
		remain := endOffset - last
		last += perPage
		pages = append(pages, PageSrc{
			Page:  last / perPage,
			First: 0,
			Last:  min(perPage, remain),
		})
	}
	return pages
}

func (p *PageSrc) String() string {
	return fmt.Sprintf("#%d [%d:%d]", p.Page, p.First, p.Last)
}

package models

// PageMeta describes a windowed listing. TotalPages is always ceil(Total/Limit);
// Page is not clamped to TotalPages.
type PageMeta struct {
	Total      int `json:"total"`
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	TotalPages int `json:"totalPages"`
}

// NewPageMeta computes the metadata for a page of a listing with total rows.
func NewPageMeta(total, page, limit int) PageMeta {
	meta := PageMeta{Total: total, Page: page, Limit: limit}
	if limit > 0 {
		meta.TotalPages = (total + limit - 1) / limit
	}
	return meta
}

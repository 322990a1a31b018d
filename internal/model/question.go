package model

// Question is a single corpus entry. Questions are processed in corpus
// (file) order for every model.
type Question struct {
	ID               string   `json:"question_id"`
	SiteID           string   `json:"site_id"`
	Text             string   `json:"text"`
	SourceURLs       []string `json:"source_urls"`
	RequiresOptional bool     `json:"requires_optional"`
}

package searchapi

// searchRequest is the body of a POST /docs/search call.
type searchRequest struct {
	Search  string `json:"search"`
	Count   bool   `json:"count"`
	Filter  string `json:"filter,omitempty"`
	OrderBy string `json:"orderby,omitempty"`
	Skip    int64  `json:"skip"`
	Top     *int64 `json:"top,omitempty"`
}

// searchResponse is the body of a search result. Count is only present when
// the request asked for it.
type searchResponse struct {
	Count *int64           `json:"@odata.count"`
	Value []map[string]any `json:"value"`
}

// indexDefinition is the subset of the index schema the client inspects.
type indexDefinition struct {
	Name   string            `json:"name"`
	Fields []fieldDefinition `json:"fields"`
}

type fieldDefinition struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	Sortable   bool   `json:"sortable"`
	Filterable bool   `json:"filterable"`
}

// apiErrorResponse is the error envelope returned by the service.
type apiErrorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

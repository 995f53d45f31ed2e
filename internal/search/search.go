package search

// Result is a single ledger hit returned to the caller.
type Result struct {
	ID                 string `json:"id"`
	WorkflowInstanceID string `json:"workflowInstanceId"`
	AssetID            string `json:"assetId"`
	ChapterName        string `json:"chapterName"`
	StageName          string `json:"stageName"`
	ReviewerID         string `json:"reviewerId"`
	Action             string `json:"action"`
	Snippet            string `json:"snippet"`
}

// Query describes a search request.
type Query struct {
	Text          string
	FilterAssetID string
	FilterAction  string
	Limit         int
	Offset        int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// ReviewRecord is the data we index for an approval log entry.
type ReviewRecord struct {
	ID                 string `json:"id"`
	WorkflowInstanceID string `json:"workflowInstanceId"`
	AssetID            string `json:"assetId"`
	ChapterName        string `json:"chapterName"`
	StageName          string `json:"stageName"`
	ReviewerID         string `json:"reviewerId"`
	Action             string `json:"action"`
	Comment            string `json:"comment"`
	ReviewedAt         int64  `json:"reviewedAt"`
}

func (r ReviewRecord) result() Result {
	return Result{
		ID:                 r.ID,
		WorkflowInstanceID: r.WorkflowInstanceID,
		AssetID:            r.AssetID,
		ChapterName:        r.ChapterName,
		StageName:          r.StageName,
		ReviewerID:         r.ReviewerID,
		Action:             r.Action,
		Snippet:            r.Comment,
	}
}

package search

import (
	"encoding/json"
	"strings"
	"testing"

	meili "github.com/meilisearch/meilisearch-go"
	"github.com/rs/zerolog"
)

func TestHitToResultPrefersFormattedComment(t *testing.T) {
	hit := meili.Hit{
		"id":                 json.RawMessage(`"42"`),
		"workflowInstanceId": json.RawMessage(`"wfi_1"`),
		"assetId":            json.RawMessage(`"asset_1"`),
		"chapterName":        json.RawMessage(`"Governance"`),
		"stageName":          json.RawMessage(`"Info Review"`),
		"reviewerId":         json.RawMessage(`"bob"`),
		"action":             json.RawMessage(`"rejected"`),
		"comment":            json.RawMessage(`"needs rework"`),
		"_formatted":         json.RawMessage(`{"comment":"<mark>needs</mark> rework","id":"42"}`),
	}

	result := hitToResult(hit)
	if result.ID != "42" || result.Action != "rejected" || result.ChapterName != "Governance" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if result.Snippet != "<mark>needs</mark> rework" {
		t.Fatalf("expected highlighted snippet, got %q", result.Snippet)
	}

	delete(hit, "_formatted")
	if got := hitToResult(hit).Snippet; got != "needs rework" {
		t.Fatalf("expected raw comment fallback, got %q", got)
	}
}

func TestMeiliFilters(t *testing.T) {
	if filters := meiliFilters(Query{Text: "x"}); len(filters) != 0 {
		t.Fatalf("expected no filters, got %v", filters)
	}
	filters := meiliFilters(Query{FilterAssetID: "asset_1", FilterAction: "approved"})
	if len(filters) != 2 || filters[0] != `assetId = "asset_1"` || filters[1] != `action = "approved"` {
		t.Fatalf("unexpected filters %v", filters)
	}
}

func TestPgftsWhereNumbersArguments(t *testing.T) {
	where, args := pgftsWhere(Query{Text: "rework", FilterAssetID: "asset_1", FilterAction: "rejected"})
	if len(args) != 3 || args[0] != "rework" || args[2] != "rejected" {
		t.Fatalf("unexpected args %v", args)
	}
	if !strings.Contains(where, "al.asset_id = $2") || !strings.Contains(where, "al.review_action = $3") {
		t.Fatalf("unexpected where clause %q", where)
	}
}

func TestServiceWithoutBackendsReturnsEmpty(t *testing.T) {
	svc := NewService(nil, nil, zerolog.Nop())
	resp := svc.Search(Query{Text: "anything"})
	if resp.Results == nil || len(resp.Results) != 0 || resp.Query != "anything" {
		t.Fatalf("unexpected response %+v", resp)
	}
	svc.IndexReview(ReviewRecord{ID: "1"})
}

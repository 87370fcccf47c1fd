package es

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	elasticsearch "github.com/elastic/go-elasticsearch/v8"

	"github.com/grokify/ralph"
	"github.com/grokify/ralph/lrs"
)

// searchAfterSeparator joins the sort values of the last hit into one
// opaque cursor string.
const searchAfterSeparator = "|"

// QueryStatements returns one page of statements matching the query.
// The page is served inside a point in time so consecutive pages see
// the same view of the index; the point in time id and the sort values
// of the last hit form the continuation cursor.
func (b *Backend) QueryStatements(ctx context.Context, query lrs.StatementsQuery) (*lrs.QueryResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := query.Validate(); err != nil {
		return nil, err
	}

	client, err := b.connect()
	if err != nil {
		return nil, err
	}

	pitID := query.PitID
	if pitID == "" {
		pitID, err = b.openPointInTime(ctx, client, b.config.Index)
		if err != nil {
			return nil, err
		}
	}

	order := "desc"
	if query.Ascending {
		order = "asc"
	}
	body := map[string]any{
		"query": map[string]any{
			"bool": map[string]any{
				"filter": statementTerms(query),
			},
		},
		"pit": map[string]any{
			"id":         pitID,
			"keep_alive": b.config.PointInTimeKeepAlive,
		},
		"sort": []any{
			map[string]any{"timestamp": map[string]any{"order": order}},
			map[string]any{"_shard_doc": map[string]any{"order": order}},
		},
	}
	if query.Limit > 0 {
		body["size"] = query.Limit
	} else {
		body["size"] = b.config.ChunkSize
	}
	if query.SearchAfter != "" {
		var after []any
		for _, value := range strings.Split(query.SearchAfter, searchAfterSeparator) {
			after = append(after, value)
		}
		body["search_after"] = after
	}

	hits, newPitID, err := b.search(ctx, client, body)
	if err != nil {
		return nil, err
	}
	if newPitID != "" {
		pitID = newPitID
	}

	result := &lrs.QueryResult{PitID: pitID}
	for _, hit := range hits {
		if source, ok := hit["_source"].(map[string]any); ok {
			result.Statements = append(result.Statements, ralph.Record(source))
		}
	}
	if len(hits) > 0 {
		if sortValues, ok := hits[len(hits)-1]["sort"].([]any); ok {
			parts := make([]string, 0, len(sortValues))
			for _, value := range sortValues {
				parts = append(parts, fmt.Sprintf("%v", value))
			}
			result.SearchAfter = strings.Join(parts, searchAfterSeparator)
		}
	}
	return result, nil
}

// QueryStatementsByIDs returns the statements whose xAPI ids are in
// ids. The ids are the document ids.
func (b *Backend) QueryStatementsByIDs(ctx context.Context, ids []string) ([]ralph.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	client, err := b.connect()
	if err != nil {
		return nil, err
	}

	body := map[string]any{
		"query": map[string]any{
			"terms": map[string]any{"_id": ids},
		},
		"size": len(ids),
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%w: encoding search body: %w", ralph.ErrBackend, err)
	}
	res, err := client.Search(
		client.Search.WithContext(ctx),
		client.Search.WithIndex(b.config.Index),
		client.Search.WithBody(bytes.NewReader(data)),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: searching statements by ids: %w", ralph.ErrBackend, err)
	}
	defer drain(res.Body)
	if res.IsError() {
		return nil, fmt.Errorf("%w: searching statements by ids: %s", ralph.ErrBackend, res.Status())
	}

	var result searchResult
	if err := json.NewDecoder(res.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("%w: parsing search response: %w", ralph.ErrBackend, err)
	}
	var statements []ralph.Record
	for _, hit := range result.Hits.Hits {
		if source, ok := hit["_source"].(map[string]any); ok {
			statements = append(statements, ralph.Record(source))
		}
	}
	return statements, nil
}

type searchResult struct {
	PitID string `json:"pit_id"`
	Hits  struct {
		Hits []ralph.Record `json:"hits"`
	} `json:"hits"`
}

// search issues one search with the given body. Requests inside a
// point in time must not name an index.
func (b *Backend) search(ctx context.Context, client *elasticsearch.Client, body map[string]any) ([]ralph.Record, string, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, "", fmt.Errorf("%w: encoding search body: %w", ralph.ErrBackend, err)
	}
	res, err := client.Search(
		client.Search.WithContext(ctx),
		client.Search.WithBody(bytes.NewReader(data)),
	)
	if err != nil {
		return nil, "", fmt.Errorf("%w: searching statements: %w", ralph.ErrBackend, err)
	}
	defer drain(res.Body)
	if res.IsError() {
		return nil, "", fmt.Errorf("%w: searching statements: %s", ralph.ErrBackend, res.Status())
	}

	var result searchResult
	if err := json.NewDecoder(res.Body).Decode(&result); err != nil {
		return nil, "", fmt.Errorf("%w: parsing search response: %w", ralph.ErrBackend, err)
	}
	return result.Hits.Hits, result.PitID, nil
}

// statementTerms builds the conjunctive term filters of a statements
// query. Absent fields add no constraint.
func statementTerms(query lrs.StatementsQuery) []any {
	var filters []any
	term := func(field string, value any) {
		filters = append(filters, map[string]any{
			"term": map[string]any{field: value},
		})
	}

	if query.StatementID != "" {
		term("_id", query.StatementID)
	}
	filters = append(filters, agentTerms(query.Agent, "actor")...)
	filters = append(filters, agentTerms(query.Authority, "authority")...)
	if query.Verb != "" {
		term("verb.id.keyword", query.Verb)
	}
	if query.Activity != "" {
		term("object.objectType.keyword", "Activity")
		term("object.id.keyword", query.Activity)
	}
	if query.Registration != "" {
		term("context.registration.keyword", query.Registration)
	}
	if query.Since != "" {
		filters = append(filters, map[string]any{
			"range": map[string]any{"timestamp": map[string]any{"gt": query.Since}},
		})
	}
	if query.Until != "" {
		filters = append(filters, map[string]any{
			"range": map[string]any{"timestamp": map[string]any{"lte": query.Until}},
		})
	}
	return filters
}

// agentTerms maps one agent identifier onto keyword terms under the
// given field. Account identification adds both the name and the home
// page; a partial account adds nothing.
func agentTerms(agent lrs.AgentParams, field string) []any {
	var filters []any
	term := func(sub string, value string) {
		filters = append(filters, map[string]any{
			"term": map[string]any{field + "." + sub: value},
		})
	}
	switch {
	case agent.Mbox != "":
		term("mbox.keyword", agent.Mbox)
	case agent.MboxSHA1Sum != "":
		term("mbox_sha1sum.keyword", agent.MboxSHA1Sum)
	case agent.OpenID != "":
		term("openid.keyword", agent.OpenID)
	case agent.AccountName != "" && agent.AccountHomePage != "":
		term("account.name.keyword", agent.AccountName)
		term("account.homePage.keyword", agent.AccountHomePage)
	}
	return filters
}

// Ensure Backend can serve a Learning Record Store.
var _ lrs.Backend = (*Backend)(nil)

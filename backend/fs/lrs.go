package fs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/grokify/ralph"
	"github.com/grokify/ralph/lrs"
)

// QueryStatements scans the statements file and returns the statements
// matching the query, in storage order. When the limit is reached the
// id of the last statement is returned as the search_after cursor; a
// following query with that cursor resumes right after it.
func (b *Backend) QueryStatements(ctx context.Context, query lrs.StatementsQuery) (*lrs.QueryResult, error) {
	if err := query.Validate(); err != nil {
		return nil, err
	}
	match, err := statementFilter(query)
	if err != nil {
		return nil, err
	}

	stream, err := b.Read(ctx, ralph.ReadOptions{Query: ralph.Query{Text: b.config.LRSFile}})
	if err != nil {
		return nil, err
	}
	defer func() { _ = stream.Close() }()

	var statements []ralph.Record
	var searchAfter string
	for {
		statement, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if !match(statement) {
			continue
		}
		statements = append(statements, statement)
		if query.Limit > 0 && len(statements) == query.Limit {
			searchAfter = recString(statement, "id")
			break
		}
	}

	if query.Ascending {
		slices.Reverse(statements)
	}
	return &lrs.QueryResult{
		Statements:  statements,
		SearchAfter: searchAfter,
	}, nil
}

// QueryStatementsByIDs scans the statements file and returns the
// statements whose id is in ids.
func (b *Backend) QueryStatementsByIDs(ctx context.Context, ids []string) ([]ralph.Record, error) {
	wanted := make(map[string]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}

	stream, err := b.Read(ctx, ralph.ReadOptions{Query: ralph.Query{Text: b.config.LRSFile}})
	if err != nil {
		return nil, err
	}
	defer func() { _ = stream.Close() }()

	var statements []ralph.Record
	for {
		statement, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if wanted[recString(statement, "id")] {
			statements = append(statements, statement)
		}
	}
	return statements, nil
}

type statementPredicate func(ralph.Record) bool

// statementFilter compiles the query into a single predicate. The
// predicates evaluate in a fixed order and short-circuit on the first
// mismatch; the search_after predicate comes last so it only sees
// statements that match everything else, the way its cursor was
// produced.
func statementFilter(query lrs.StatementsQuery) (statementPredicate, error) {
	var filters []statementPredicate

	if query.StatementID != "" {
		filters = append(filters, func(s ralph.Record) bool {
			return recString(s, "id") == query.StatementID
		})
	}
	filters = append(filters, agentFilters(query.Agent, "actor", query.RelatedAgents)...)
	filters = append(filters, agentFilters(query.Authority, "authority", false)...)
	if query.Verb != "" {
		filters = append(filters, func(s ralph.Record) bool {
			return recString(child(s, "verb"), "id") == query.Verb
		})
	}
	if query.Activity != "" {
		filters = append(filters, activityFilter(query.Activity, query.RelatedActivities))
	}
	if query.Registration != "" {
		filters = append(filters, func(s ralph.Record) bool {
			return recString(child(s, "context"), "registration") == query.Registration
		})
	}
	if query.Since != "" {
		since, err := parseQueryTime("since", query.Since)
		if err != nil {
			return nil, err
		}
		filters = append(filters, func(s ralph.Record) bool {
			ts, ok := statementTime(s)
			return ok && ts.After(since)
		})
	}
	if query.Until != "" {
		until, err := parseQueryTime("until", query.Until)
		if err != nil {
			return nil, err
		}
		filters = append(filters, func(s ralph.Record) bool {
			ts, ok := statementTime(s)
			return ok && !ts.After(until)
		})
	}
	if query.SearchAfter != "" {
		seen := false
		filters = append(filters, func(s ralph.Record) bool {
			if seen {
				return true
			}
			if recString(s, "id") == query.SearchAfter {
				seen = true
			}
			return false
		})
	}

	return func(s ralph.Record) bool {
		for _, filter := range filters {
			if !filter(s) {
				return false
			}
		}
		return true
	}, nil
}

// agentFilters returns one predicate per identifier set on the agent.
// With related the whole statement is searched: actor, object,
// authority, context instructor and team, recursing into
// sub-statements.
func agentFilters(agent lrs.AgentParams, field string, related bool) []statementPredicate {
	if agent.IsZero() {
		return nil
	}
	var filters []statementPredicate
	if agent.Mbox != "" {
		filters = append(filters, identityFilter(field, related, "mbox", agent.Mbox))
	}
	if agent.MboxSHA1Sum != "" {
		filters = append(filters, identityFilter(field, related, "mbox_sha1sum", agent.MboxSHA1Sum))
	}
	if agent.OpenID != "" {
		filters = append(filters, identityFilter(field, related, "openid", agent.OpenID))
	}
	if agent.AccountName != "" && agent.AccountHomePage != "" {
		filters = append(filters, accountFilter(field, related, agent.AccountName, agent.AccountHomePage))
	}
	return filters
}

func identityFilter(field string, related bool, key, want string) statementPredicate {
	if !related {
		return func(s ralph.Record) bool {
			return recString(child(s, field), key) == want
		}
	}
	var matchRelated func(map[string]any) bool
	matchRelated = func(s map[string]any) bool {
		for _, agent := range relatedAgents(s) {
			if recString(agent, key) == want {
				return true
			}
		}
		object := child(s, "object")
		if recString(object, "objectType") == "SubStatement" {
			return matchRelated(object)
		}
		return false
	}
	return func(s ralph.Record) bool { return matchRelated(s) }
}

func accountFilter(field string, related bool, name, homePage string) statementPredicate {
	matchAccount := func(agent map[string]any) bool {
		account := child(agent, "account")
		return recString(account, "name") == name && recString(account, "homePage") == homePage
	}
	if !related {
		return func(s ralph.Record) bool {
			return matchAccount(child(s, field))
		}
	}
	var matchRelated func(map[string]any) bool
	matchRelated = func(s map[string]any) bool {
		for _, agent := range relatedAgents(s) {
			if matchAccount(agent) {
				return true
			}
		}
		object := child(s, "object")
		if recString(object, "objectType") == "SubStatement" {
			return matchRelated(object)
		}
		return false
	}
	return func(s ralph.Record) bool { return matchRelated(s) }
}

func relatedAgents(s map[string]any) []map[string]any {
	context := child(s, "context")
	return []map[string]any{
		child(s, "actor"),
		child(s, "object"),
		child(s, "authority"),
		child(context, "instructor"),
		child(context, "team"),
	}
}

// activityFilter matches the statement object id. With related the
// context activities and sub-statements are searched too.
func activityFilter(objectID string, related bool) statementPredicate {
	if !related {
		return func(s ralph.Record) bool {
			return recString(child(s, "object"), "id") == objectID
		}
	}
	var matchRelated func(map[string]any) bool
	matchRelated = func(s map[string]any) bool {
		object := child(s, "object")
		if recString(object, "id") == objectID {
			return true
		}
		for _, value := range child(child(s, "context"), "contextActivities") {
			switch activity := value.(type) {
			case map[string]any:
				if recString(activity, "id") == objectID {
					return true
				}
			case []any:
				for _, item := range activity {
					sub, _ := item.(map[string]any)
					if recString(sub, "id") == objectID {
						return true
					}
				}
			}
		}
		if recString(object, "objectType") == "SubStatement" {
			return matchRelated(object)
		}
		return false
	}
	return func(s ralph.Record) bool { return matchRelated(s) }
}

func parseQueryTime(name, value string) (time.Time, error) {
	ts, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: parsing %s timestamp %q: %w", ralph.ErrParameter, name, value, err)
	}
	return ts, nil
}

// statementTime parses the statement timestamp. Statements with a
// missing or unparsable timestamp never match a time filter.
func statementTime(s ralph.Record) (time.Time, bool) {
	raw, _ := s["timestamp"].(string)
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

func recString(s map[string]any, key string) string {
	v, _ := s[key].(string)
	return v
}

func child(s map[string]any, key string) map[string]any {
	m, _ := s[key].(map[string]any)
	return m
}

// Ensure Backend can serve a Learning Record Store.
var _ lrs.Backend = (*Backend)(nil)

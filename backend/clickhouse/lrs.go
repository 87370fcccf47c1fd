package clickhouse

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/google/uuid"

	"github.com/grokify/ralph"
	"github.com/grokify/ralph/lrs"
)

// searchAfterSeparator joins the emission time and event id into one
// opaque continuation cursor.
const searchAfterSeparator = "|"

// QueryStatements returns one page of statements matching the query.
// Results are ordered by emission time with the event id breaking
// ties; the (emission_time, event_id) pair of the last row is the
// continuation cursor.
func (b *Backend) QueryStatements(ctx context.Context, query lrs.StatementsQuery) (*lrs.QueryResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := query.Validate(); err != nil {
		return nil, err
	}

	where, params, err := statementWhere(query)
	if err != nil {
		return nil, err
	}

	direction := "DESC"
	if query.Ascending {
		direction = "ASC"
	}
	sql := "SELECT event_id, emission_time, event FROM " + b.table("")
	if len(where) > 0 {
		sql += " WHERE " + strings.Join(where, " AND ")
	}
	sql += fmt.Sprintf(" ORDER BY emission_time %s, event_id %s", direction, direction)
	if query.Limit > 0 {
		sql += fmt.Sprintf(" LIMIT %d", query.Limit)
	}

	rows, err := b.queryRows(ctx, sql, params)
	if err != nil {
		return nil, err
	}

	result := &lrs.QueryResult{}
	for _, row := range rows {
		event, _ := row["event"].(map[string]any)
		if event == nil {
			continue
		}
		result.Statements = append(result.Statements, ralph.Record(event))

		emissionTime, _ := row["emission_time"].(string)
		eventID, _ := row["event_id"].(string)
		result.SearchAfter = emissionTime + searchAfterSeparator + eventID
	}
	if len(result.Statements) == 0 {
		result.SearchAfter = ""
	}
	return result, nil
}

// QueryStatementsByIDs returns the statements whose xAPI ids are in
// ids.
func (b *Backend) QueryStatementsByIDs(ctx context.Context, ids []string) ([]ralph.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	parsed := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		u, err := uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid statement id %q: %w", ralph.ErrParameter, id, err)
		}
		parsed = append(parsed, u)
	}

	sql := "SELECT event_id, emission_time, event FROM " + b.table("") +
		" WHERE event_id IN {ids:Array(UUID)}"
	rows, err := b.queryRows(ctx, sql, []any{clickhouse.Named("ids", parsed)})
	if err != nil {
		return nil, err
	}

	var statements []ralph.Record
	for _, row := range rows {
		if event, ok := row["event"].(map[string]any); ok {
			statements = append(statements, ralph.Record(event))
		}
	}
	return statements, nil
}

// queryRows runs one parameterized statement query and collects the
// decoded rows.
func (b *Backend) queryRows(ctx context.Context, sql string, params []any) ([]ralph.Record, error) {
	reader := &rowReader{ctx: ctx, backend: b, sql: sql, args: params}
	defer func() { _ = reader.close() }()
	return ralph.NewRecordStream(reader.nextRecord, nil).Collect()
}

// statementWhere builds the conjunctive WHERE fragments of a
// statements query and the named parameters they bind. Absent fields
// add no constraint.
func statementWhere(query lrs.StatementsQuery) ([]string, []any, error) {
	var where []string
	var params []any
	add := func(fragment, name string, value any) {
		where = append(where, fragment)
		params = append(params, clickhouse.Named(name, value))
	}

	if query.StatementID != "" {
		id, err := uuid.Parse(query.StatementID)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: invalid statement id %q: %w", ralph.ErrParameter, query.StatementID, err)
		}
		add("event_id = {statementId:UUID}", "statementId", id)
	}
	agentWhere, agentParams := agentConstraints(query.Agent, "actor")
	where = append(where, agentWhere...)
	params = append(params, agentParams...)
	authorityWhere, authorityParams := agentConstraints(query.Authority, "authority")
	where = append(where, authorityWhere...)
	params = append(params, authorityParams...)
	if query.Verb != "" {
		add("JSONExtractString(event, 'verb', 'id') = {verb:String}", "verb", query.Verb)
	}
	if query.Activity != "" {
		add("JSONExtractString(event, 'object', 'objectType') = {objectType:String}",
			"objectType", "Activity")
		add("JSONExtractString(event, 'object', 'id') = {activity:String}",
			"activity", query.Activity)
	}
	if query.Registration != "" {
		add("JSONExtractString(event, 'context', 'registration') = {registration:String}",
			"registration", query.Registration)
	}
	if query.Since != "" {
		since, err := time.Parse(time.RFC3339Nano, query.Since)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: invalid since %q: %w", ralph.ErrParameter, query.Since, err)
		}
		add("emission_time > {since:DateTime64(6)}", "since", since)
	}
	if query.Until != "" {
		until, err := time.Parse(time.RFC3339Nano, query.Until)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: invalid until %q: %w", ralph.ErrParameter, query.Until, err)
		}
		add("emission_time <= {until:DateTime64(6)}", "until", until)
	}
	if query.SearchAfter != "" {
		emissionTime, eventID, err := parseSearchAfter(query.SearchAfter)
		if err != nil {
			return nil, nil, err
		}
		comparator := "<"
		if query.Ascending {
			comparator = ">"
		}
		where = append(where, fmt.Sprintf(
			"(emission_time, event_id) %s ({searchTime:DateTime64(6)}, {searchId:UUID})", comparator))
		params = append(params,
			clickhouse.Named("searchTime", emissionTime),
			clickhouse.Named("searchId", eventID))
	}
	return where, params, nil
}

// parseSearchAfter splits a continuation cursor back into its
// emission time and event id.
func parseSearchAfter(cursor string) (time.Time, uuid.UUID, error) {
	parts := strings.SplitN(cursor, searchAfterSeparator, 2)
	if len(parts) != 2 {
		return time.Time{}, uuid.UUID{}, fmt.Errorf(
			"%w: invalid search_after cursor %q", ralph.ErrParameter, cursor)
	}
	emissionTime, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return time.Time{}, uuid.UUID{}, fmt.Errorf(
			"%w: invalid search_after cursor %q: %w", ralph.ErrParameter, cursor, err)
	}
	eventID, err := uuid.Parse(parts[1])
	if err != nil {
		return time.Time{}, uuid.UUID{}, fmt.Errorf(
			"%w: invalid search_after cursor %q: %w", ralph.ErrParameter, cursor, err)
	}
	return emissionTime, eventID, nil
}

// agentConstraints maps one agent identifier onto event fields under
// the given statement field. Account identification adds both the name
// and the home page; a partial account adds nothing.
func agentConstraints(agent lrs.AgentParams, field string) ([]string, []any) {
	name := func(suffix string) string { return field + "_" + suffix }
	switch {
	case agent.Mbox != "":
		return []string{fmt.Sprintf("JSONExtractString(event, '%s', 'mbox') = {%s:String}", field, name("mbox"))},
			[]any{clickhouse.Named(name("mbox"), agent.Mbox)}
	case agent.MboxSHA1Sum != "":
		return []string{fmt.Sprintf("JSONExtractString(event, '%s', 'mbox_sha1sum') = {%s:String}", field, name("sha1"))},
			[]any{clickhouse.Named(name("sha1"), agent.MboxSHA1Sum)}
	case agent.OpenID != "":
		return []string{fmt.Sprintf("JSONExtractString(event, '%s', 'openid') = {%s:String}", field, name("openid"))},
			[]any{clickhouse.Named(name("openid"), agent.OpenID)}
	case agent.AccountName != "" && agent.AccountHomePage != "":
		return []string{
				fmt.Sprintf("JSONExtractString(event, '%s', 'account', 'name') = {%s:String}", field, name("account_name")),
				fmt.Sprintf("JSONExtractString(event, '%s', 'account', 'homePage') = {%s:String}", field, name("account_home")),
			}, []any{
				clickhouse.Named(name("account_name"), agent.AccountName),
				clickhouse.Named(name("account_home"), agent.AccountHomePage),
			}
	}
	return nil, nil
}

// Ensure Backend can serve a Learning Record Store.
var _ lrs.Backend = (*Backend)(nil)

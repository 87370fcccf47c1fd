// Package lrs defines the statement query contract shared by backends
// that can serve a Learning Record Store: querying xAPI statements by
// the standard GET /statements parameters with stable cursor-based
// pagination.
package lrs

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"

	"github.com/grokify/ralph"
)

// AgentParams identifies an agent by exactly one inverse functional
// identifier: mbox, mbox_sha1sum, openid or account. Account
// identification needs both the name and the home page.
type AgentParams struct {
	Mbox            string `json:"mbox,omitempty"`
	MboxSHA1Sum     string `json:"mbox_sha1sum,omitempty"`
	OpenID          string `json:"openid,omitempty"`
	AccountName     string `json:"account__name,omitempty"`
	AccountHomePage string `json:"account__home_page,omitempty"`
}

// IsZero returns true when no identifier is set.
func (a AgentParams) IsZero() bool {
	return a == AgentParams{}
}

// Validate checks that account identification is complete.
func (a AgentParams) Validate() error {
	if (a.AccountName == "") != (a.AccountHomePage == "") {
		return fmt.Errorf("%w: agent account requires both name and home page", ralph.ErrParameter)
	}
	return nil
}

// StatementsQuery carries the xAPI statements query parameters plus the
// pagination cursor fields. The JSON field names follow the LRS
// specification for GET /statements.
type StatementsQuery struct {
	StatementID       string      `json:"statementId,omitempty"`
	VoidedStatementID string      `json:"voidedStatementId,omitempty"`
	Agent             AgentParams `json:"agent,omitzero"`
	Verb              string      `json:"verb,omitempty"`
	Activity          string      `json:"activity,omitempty"`
	Registration      string      `json:"registration,omitempty"`
	RelatedActivities bool        `json:"related_activities,omitempty"`
	RelatedAgents     bool        `json:"related_agents,omitempty"`
	Since             string      `json:"since,omitempty"`
	Until             string      `json:"until,omitempty"`
	Limit             int         `json:"limit,omitempty"`
	Format            string      `json:"format,omitempty"`
	Attachments       bool        `json:"attachments,omitempty"`
	Ascending         bool        `json:"ascending,omitempty"`
	IgnoreOrder       bool        `json:"ignore_order,omitempty"`

	// SearchAfter and PitID carry the cursor returned by the previous
	// QueryResult. Their content is backend specific.
	SearchAfter string `json:"search_after,omitempty"`
	PitID       string `json:"pit_id,omitempty"`

	Authority AgentParams `json:"authority,omitzero"`
}

// Validate checks the agent and authority parameters.
func (q StatementsQuery) Validate() error {
	if err := q.Agent.Validate(); err != nil {
		return err
	}
	return q.Authority.Validate()
}

// Values encodes the query as GET /statements parameters. The agent is
// sent as a JSON-encoded xAPI agent object per the specification.
// Cursor fields are not included; remote LRS pagination follows the
// "more" link instead.
func (q StatementsQuery) Values() (url.Values, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	v := url.Values{}
	set := func(key, value string) {
		if value != "" {
			v.Set(key, value)
		}
	}
	set("statementId", q.StatementID)
	set("voidedStatementId", q.VoidedStatementID)
	set("verb", q.Verb)
	set("activity", q.Activity)
	set("registration", q.Registration)
	set("since", q.Since)
	set("until", q.Until)
	set("format", q.Format)
	if q.RelatedActivities {
		v.Set("related_activities", "true")
	}
	if q.RelatedAgents {
		v.Set("related_agents", "true")
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Attachments {
		v.Set("attachments", "true")
	}
	if q.Ascending {
		v.Set("ascending", "true")
	}

	if !q.Agent.IsZero() {
		agent, err := q.Agent.xapiObject()
		if err != nil {
			return nil, err
		}
		v.Set("agent", agent)
	}
	return v, nil
}

func (a AgentParams) xapiObject() (string, error) {
	obj := map[string]any{}
	switch {
	case a.Mbox != "":
		obj["mbox"] = a.Mbox
	case a.MboxSHA1Sum != "":
		obj["mbox_sha1sum"] = a.MboxSHA1Sum
	case a.OpenID != "":
		obj["openid"] = a.OpenID
	case a.AccountName != "":
		obj["account"] = map[string]string{
			"name":     a.AccountName,
			"homePage": a.AccountHomePage,
		}
	}
	data, err := json.Marshal(obj)
	if err != nil {
		return "", fmt.Errorf("%w: encoding agent: %w", ralph.ErrParameter, err)
	}
	return string(data), nil
}

// QueryResult is one page of statements plus the cursor for the next
// page. An empty SearchAfter means the result set is exhausted.
type QueryResult struct {
	Statements  []ralph.Record `json:"statements"`
	PitID       string         `json:"pit_id,omitempty"`
	SearchAfter string         `json:"search_after,omitempty"`
}

// Backend is implemented by data backends that can serve LRS statement
// queries.
type Backend interface {
	ralph.Backend

	// QueryStatements returns one page of statements matching the
	// query, with cursors set for fetching the next page.
	QueryStatements(ctx context.Context, q StatementsQuery) (*QueryResult, error)

	// QueryStatementsByIDs returns the statements whose xAPI ids are
	// in ids.
	QueryStatementsByIDs(ctx context.Context, ids []string) ([]ralph.Record, error)
}

package mongo

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	mongooptions "go.mongodb.org/mongo-driver/mongo/options"

	"github.com/grokify/ralph"
	"github.com/grokify/ralph/lrs"
)

// QueryStatements returns one page of statements matching the query.
// Results are ordered by event timestamp with the document id breaking
// ties; the id of the last document is the continuation cursor.
func (b *Backend) QueryStatements(ctx context.Context, query lrs.StatementsQuery) (*lrs.QueryResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := query.Validate(); err != nil {
		return nil, err
	}

	filter, err := statementFilter(query)
	if err != nil {
		return nil, err
	}

	client, err := b.connect(ctx)
	if err != nil {
		return nil, err
	}
	collection := b.collection(client, "")

	findOpts := mongooptions.Find().SetSort(statementSort(query))
	if query.Limit > 0 {
		findOpts = findOpts.SetLimit(int64(query.Limit))
	}
	cursor, err := collection.Find(ctx, filter, findOpts)
	if err != nil {
		return nil, fmt.Errorf("%w: querying statements: %w", ralph.ErrBackend, err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	result := &lrs.QueryResult{}
	for cursor.Next(ctx) {
		var document bson.M
		if err := cursor.Decode(&document); err != nil {
			return nil, fmt.Errorf("%w: decoding statement: %w", ralph.ErrBackend, err)
		}
		if source, ok := document["_source"].(bson.M); ok {
			result.Statements = append(result.Statements, normalizeRecord(source))
		}
		if id, ok := document["_id"].(primitive.ObjectID); ok {
			result.SearchAfter = id.Hex()
		}
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("%w: querying statements: %w", ralph.ErrBackend, err)
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

	client, err := b.connect(ctx)
	if err != nil {
		return nil, err
	}
	collection := b.collection(client, "")

	cursor, err := collection.Find(ctx, bson.D{
		{Key: "_source.id", Value: bson.D{{Key: "$in", Value: ids}}},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: querying statements by ids: %w", ralph.ErrBackend, err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var statements []ralph.Record
	for cursor.Next(ctx) {
		var document bson.M
		if err := cursor.Decode(&document); err != nil {
			return nil, fmt.Errorf("%w: decoding statement: %w", ralph.ErrBackend, err)
		}
		if source, ok := document["_source"].(bson.M); ok {
			statements = append(statements, normalizeRecord(source))
		}
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("%w: querying statements by ids: %w", ralph.ErrBackend, err)
	}
	return statements, nil
}

// statementFilter builds the conjunctive find filter of a statements
// query. Absent fields add no constraint.
func statementFilter(query lrs.StatementsQuery) (bson.D, error) {
	var filter bson.D
	add := func(key string, value any) {
		filter = append(filter, bson.E{Key: key, Value: value})
	}

	if query.StatementID != "" {
		add("_source.id", query.StatementID)
	}
	filter = append(filter, agentFilter(query.Agent, "actor")...)
	filter = append(filter, agentFilter(query.Authority, "authority")...)
	if query.Verb != "" {
		add("_source.verb.id", query.Verb)
	}
	if query.Activity != "" {
		add("_source.object.objectType", "Activity")
		add("_source.object.id", query.Activity)
	}
	if query.Registration != "" {
		add("_source.context.registration", query.Registration)
	}
	if query.Since != "" || query.Until != "" {
		var bounds bson.D
		if query.Since != "" {
			bounds = append(bounds, bson.E{Key: "$gt", Value: query.Since})
		}
		if query.Until != "" {
			bounds = append(bounds, bson.E{Key: "$lte", Value: query.Until})
		}
		add("_source.timestamp", bounds)
	}
	if query.SearchAfter != "" {
		id, err := primitive.ObjectIDFromHex(query.SearchAfter)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid search_after cursor %q: %w", ralph.ErrParameter, query.SearchAfter, err)
		}
		comparator := "$lt"
		if query.Ascending {
			comparator = "$gt"
		}
		add("_id", bson.D{{Key: comparator, Value: id}})
	}
	if filter == nil {
		filter = bson.D{}
	}
	return filter, nil
}

// agentFilter maps one agent identifier onto source fields under the
// given statement field. Account identification adds both the name and
// the home page; a partial account adds nothing.
func agentFilter(agent lrs.AgentParams, field string) bson.D {
	prefix := "_source." + field + "."
	switch {
	case agent.Mbox != "":
		return bson.D{{Key: prefix + "mbox", Value: agent.Mbox}}
	case agent.MboxSHA1Sum != "":
		return bson.D{{Key: prefix + "mbox_sha1sum", Value: agent.MboxSHA1Sum}}
	case agent.OpenID != "":
		return bson.D{{Key: prefix + "openid", Value: agent.OpenID}}
	case agent.AccountName != "" && agent.AccountHomePage != "":
		return bson.D{
			{Key: prefix + "account.name", Value: agent.AccountName},
			{Key: prefix + "account.homePage", Value: agent.AccountHomePage},
		}
	}
	return nil
}

// statementSort orders by event timestamp with the document id as the
// deterministic tie breaker.
func statementSort(query lrs.StatementsQuery) bson.D {
	order := -1
	if query.Ascending {
		order = 1
	}
	return bson.D{
		{Key: "_source.timestamp", Value: order},
		{Key: "_id", Value: order},
	}
}

// Ensure Backend can serve a Learning Record Store.
var _ lrs.Backend = (*Backend)(nil)

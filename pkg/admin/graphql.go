package admin

import (
	"encoding/json"
	"net/http"

	"github.com/graphql-go/graphql"
)

// Schema builds a GraphQL schema mirroring the three REST operations,
// for operators already driving the rest of the cluster through
// laura-db's GraphQL endpoint (pkg/graphql/schema.go follows the same
// object-per-result shape).
func Schema(svc *Service) (graphql.Schema, error) {
	entryType := graphql.NewObject(graphql.ObjectConfig{
		Name:        "FdwXactEntry",
		Description: "A prepared, not-yet-resolved foreign transaction",
		Fields: graphql.Fields{
			"dbid":      &graphql.Field{Type: graphql.NewNonNull(graphql.Int)},
			"xid":       &graphql.Field{Type: graphql.NewNonNull(graphql.Float)},
			"serverId":  &graphql.Field{Type: graphql.NewNonNull(graphql.Int)},
			"userId":    &graphql.Field{Type: graphql.NewNonNull(graphql.Int)},
			"status":    &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
			"prepareId": &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
		},
	})

	queryType := graphql.NewObject(graphql.ObjectConfig{
		Name: "Query",
		Fields: graphql.Fields{
			"preparedFdwXacts": &graphql.Field{
				Type:        graphql.NewList(entryType),
				Description: "Mirrors pg_prepared_fdw_xacts()",
				Resolve: func(p graphql.ResolveParams) (interface{}, error) {
					return svc.ListPrepared(), nil
				},
			},
		},
	})

	keyArgs := graphql.FieldConfigArgument{
		"dbid":     &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.Int)},
		"xid":      &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.Float)},
		"serverId": &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.Int)},
		"userId":   &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.Int)},
	}

	mutationType := graphql.NewObject(graphql.ObjectConfig{
		Name: "Mutation",
		Fields: graphql.Fields{
			"resolveFdwXact": &graphql.Field{
				Type:        graphql.NewNonNull(graphql.Boolean),
				Description: "Mirrors pg_resolve_fdw_xact(xid, serverId, userId)",
				Args:        keyArgs,
				Resolve: func(p graphql.ResolveParams) (interface{}, error) {
					dbid, xid, serverID, userID := keyArgsFrom(p)
					if err := svc.Resolve(p.Context, dbid, xid, serverID, userID); err != nil {
						return false, err
					}
					return true, nil
				},
			},
			"removeFdwXact": &graphql.Field{
				Type:        graphql.NewNonNull(graphql.Boolean),
				Description: "Mirrors pg_remove_fdw_xact(xid, serverId, userId)",
				Args:        keyArgs,
				Resolve: func(p graphql.ResolveParams) (interface{}, error) {
					dbid, xid, serverID, userID := keyArgsFrom(p)
					if err := svc.Remove(dbid, xid, serverID, userID); err != nil {
						return false, err
					}
					return true, nil
				},
			},
		},
	})

	return graphql.NewSchema(graphql.SchemaConfig{Query: queryType, Mutation: mutationType})
}

func keyArgsFrom(p graphql.ResolveParams) (dbid uint32, xid uint64, serverID, userID uint32) {
	dbid = uint32(p.Args["dbid"].(int))
	xid = uint64(p.Args["xid"].(float64))
	serverID = uint32(p.Args["serverId"].(int))
	userID = uint32(p.Args["userId"].(int))
	return
}

// GraphQLHandler wraps an admin GraphQL schema as an http.Handler, the
// same request/response shape as pkg/graphql.Handler.
type GraphQLHandler struct {
	schema graphql.Schema
}

// NewGraphQLHandler builds a GraphQLHandler for svc.
func NewGraphQLHandler(svc *Service) (*GraphQLHandler, error) {
	schema, err := Schema(svc)
	if err != nil {
		return nil, err
	}
	return &GraphQLHandler{schema: schema}, nil
}

type graphqlRequest struct {
	Query         string                 `json:"query"`
	OperationName string                 `json:"operationName"`
	Variables     map[string]interface{} `json:"variables"`
}

func (h *GraphQLHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "GraphQL only accepts POST requests")
		return
	}

	var req graphqlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}

	result := graphql.Do(graphql.Params{
		Schema:         h.schema,
		RequestString:  req.Query,
		VariableValues: req.Variables,
		OperationName:  req.OperationName,
		Context:        r.Context(),
	})

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

package bpo

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/atelierhq/atelier/credstore"
	"github.com/atelierhq/atelier/store"
)

const salesforceAPIVersion = "v59.0"

func init() {
	RegisterAdapter("salesforce", func() Adapter { return &salesforceAdapter{} })
}

// salesforceAdapter drives the Salesforce REST API: opportunities,
// accounts, leads, and object metadata.
type salesforceAdapter struct {
	httpClient  *http.Client
	session     *apiSession
	instanceURL string
	connected   bool
}

func (a *salesforceAdapter) Name() string { return "salesforce" }

func (a *salesforceAdapter) Connect(ctx context.Context, conn *store.Connection, creds credstore.Credentials) error {
	if creds.AccessToken == "" {
		return fmt.Errorf("salesforce: access token is required")
	}
	if conn.InstanceURL == "" {
		return fmt.Errorf("salesforce: instance URL is required")
	}

	a.instanceURL = conn.InstanceURL
	a.session = newAPISession(a.httpClient, creds.AccessToken)

	// Userinfo validates the token before any operation runs.
	if _, err := a.session.request(ctx, http.MethodGet, a.instanceURL+"/services/oauth2/userinfo", nil, nil); err != nil {
		return fmt.Errorf("salesforce connect: %w", err)
	}
	a.connected = true
	return nil
}

func (a *salesforceAdapter) Disconnect() {
	a.session = nil
	a.connected = false
}

func (a *salesforceAdapter) HealthCheck(ctx context.Context) bool {
	if !a.connected || a.session == nil {
		return false
	}
	_, err := a.session.request(ctx, http.MethodGet, a.instanceURL+"/services/oauth2/userinfo", nil, nil)
	return err == nil
}

func (a *salesforceAdapter) AvailableTools() []ToolInfo {
	return []ToolInfo{
		{
			Name:        "sf_query",
			Description: "Run a SOQL query and return the matching Salesforce records",
			Parameters:  map[string]string{"query": "string (SOQL)"},
		},
		{
			Name:        "sf_create_record",
			Description: "Create a record on a Salesforce object",
			Parameters:  map[string]string{"object_type": "string", "fields": "object"},
		},
		{
			Name:        "sf_update_record",
			Description: "Update an existing Salesforce record",
			Parameters:  map[string]string{"object_type": "string", "record_id": "string", "fields": "object"},
		},
		{
			Name:        "sf_get_opportunity_pipeline",
			Description: "Fetch the open opportunity pipeline grouped by stage",
			Parameters:  map[string]string{"filters": "object (optional)"},
		},
		{
			Name:        "sf_describe_object",
			Description: "Fetch field and relation metadata for a Salesforce object",
			Parameters:  map[string]string{"object_type": "string"},
		},
	}
}

func (a *salesforceAdapter) ExecuteTool(ctx context.Context, tool string, args map[string]any) (map[string]any, error) {
	if !a.connected || a.session == nil {
		return nil, fmt.Errorf("salesforce: not connected")
	}
	base := a.instanceURL + "/services/data/" + salesforceAPIVersion

	switch tool {
	case "sf_query":
		soql, _ := args["query"].(string)
		if soql == "" {
			return nil, fmt.Errorf("sf_query: query is required")
		}
		return a.session.request(ctx, http.MethodGet, base+"/query", url.Values{"q": {soql}}, nil)

	case "sf_create_record":
		obj, _ := args["object_type"].(string)
		if obj == "" {
			return nil, fmt.Errorf("sf_create_record: object_type is required")
		}
		return a.session.request(ctx, http.MethodPost, base+"/sobjects/"+obj, nil, args["fields"])

	case "sf_update_record":
		obj, _ := args["object_type"].(string)
		recordID, _ := args["record_id"].(string)
		if obj == "" || recordID == "" {
			return nil, fmt.Errorf("sf_update_record: object_type and record_id are required")
		}
		return a.session.request(ctx, http.MethodPatch, base+"/sobjects/"+obj+"/"+recordID, nil, args["fields"])

	case "sf_get_opportunity_pipeline":
		soql := "SELECT Id,Name,StageName,Amount,CloseDate FROM Opportunity WHERE IsClosed=false"
		return a.session.request(ctx, http.MethodGet, base+"/query", url.Values{"q": {soql}}, nil)

	case "sf_describe_object":
		obj, _ := args["object_type"].(string)
		if obj == "" {
			return nil, fmt.Errorf("sf_describe_object: object_type is required")
		}
		return a.session.request(ctx, http.MethodGet, base+"/sobjects/"+obj+"/describe", nil, nil)
	}

	return nil, fmt.Errorf("salesforce: unknown tool %q", tool)
}

func (a *salesforceAdapter) Schema(ctx context.Context) (map[string]any, error) {
	if !a.connected || a.session == nil {
		return nil, fmt.Errorf("salesforce: not connected")
	}
	return map[string]any{
		"saas_name":   "salesforce",
		"schema_type": "objects",
		"objects": []string{
			"Account", "Contact", "Opportunity", "Lead",
			"Case", "Task", "Event", "Campaign",
		},
	}, nil
}

package everything

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"github.com/TangGee/go-mcp-runtime"
)

const (
	pageSize      = 10
	resourceCount = 100

	staticResourceTemplate = "test://static/resource/{id}"
)

var resourceIDCompletions = []string{"1", "2", "3", "4", "5"}

func staticResourceURI(id int) string {
	return fmt.Sprintf("test://static/resource/%d", id)
}

// staticResource returns the resource with the given id. Even ids hold plain text, odd ids a
// base64 blob.
func staticResource(id int) (mcp.Resource, mcp.ResourceContents) {
	uri := staticResourceURI(id)
	name := fmt.Sprintf("Resource %d", id)

	if id%2 == 1 {
		return mcp.Resource{URI: uri, Name: name, MimeType: "text/plain"}, mcp.ResourceContents{
			URI:      uri,
			MimeType: "text/plain",
			Text:     fmt.Sprintf("Resource %d: This is a plain text resource", id),
		}
	}

	content := fmt.Sprintf("Resource %d: This is a base64 blob", id)
	return mcp.Resource{URI: uri, Name: name, MimeType: "application/octet-stream"}, mcp.ResourceContents{
		URI:      uri,
		MimeType: "application/octet-stream",
		Blob:     base64.StdEncoding.EncodeToString([]byte(content)),
	}
}

// resources registers the static resources first, so they win over the template serving the same
// URIs. The template still answers ids the static list does not hold.
func (s *Server) resources() []mcp.ResourceSpec {
	specs := make([]mcp.ResourceSpec, 0, resourceCount+1)
	for i := range resourceCount {
		resource, contents := staticResource(i + 1)
		specs = append(specs, mcp.ResourceSpec{
			Resource: resource,
			Handler: func(ctx context.Context, ex *mcp.Exchange, req mcp.ReadResourceRequest, _ map[string]string) (
				mcp.ReadResourceResult, error,
			) {
				s.log(ctx, ex, mcp.LogLevelDebug, fmt.Sprintf("ReadResource: %s", req.URI))
				return mcp.ReadResourceResult{Contents: []mcp.ResourceContents{contents}}, nil
			},
		})
	}

	specs = append(specs, mcp.ResourceSpec{
		Resource: mcp.Resource{
			URI:         staticResourceTemplate,
			Name:        "Static Resource",
			Description: "A static resource with a numeric ID",
		},
		Handler: s.readTemplateResource,
	})
	return specs
}

func (s *Server) readTemplateResource(
	ctx context.Context,
	ex *mcp.Exchange,
	req mcp.ReadResourceRequest,
	vars map[string]string,
) (mcp.ReadResourceResult, error) {
	s.log(ctx, ex, mcp.LogLevelDebug, fmt.Sprintf("ReadResource from template: %s", req.URI))

	id, err := strconv.Atoi(vars["id"])
	if err != nil || id < 1 {
		return mcp.ReadResourceResult{}, fmt.Errorf("invalid resource id %q", vars["id"])
	}
	_, contents := staticResource(id)
	return mcp.ReadResourceResult{Contents: []mcp.ResourceContents{contents}}, nil
}

func (s *Server) completeResourceID(
	ctx context.Context,
	ex *mcp.Exchange,
	req mcp.CompleteRequest,
) (mcp.CompleteResult, error) {
	s.log(ctx, ex, mcp.LogLevelDebug, fmt.Sprintf("Complete: %s", req.Ref))

	var values []string
	for _, c := range resourceIDCompletions {
		if strings.HasPrefix(c, req.Argument.Value) {
			values = append(values, c)
		}
	}
	return mcp.CompleteResult{Completion: mcp.Completion{Values: values, Total: len(values)}}, nil
}

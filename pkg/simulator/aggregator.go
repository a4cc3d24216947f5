package simulator

import (
	"net/http"
	"regexp"
	"strconv"

	"github.com/rs/zerolog/log"
)

// graphQLRequest is the body of an aggregator query
type graphQLRequest struct {
	Query string `json:"query"`
}

// firstArgPattern extracts the page size from a transforms selection.
var firstArgPattern = regexp.MustCompile(`transforms\s*\(\s*first\s*:\s*(\d+)\s*\)`)

// aggregatorHandler answers the log aggregator's GraphQL API from the
// pipeline's transform counters.
type aggregatorHandler struct {
	pipeline *Pipeline
}

// handleQuery handles POST /graphql
func (h *aggregatorHandler) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req graphQLRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteJSON(w, http.StatusBadRequest, map[string]interface{}{
			"errors": []map[string]interface{}{
				{"message": "request body is not a GraphQL query"},
			},
		})
		return
	}

	match := firstArgPattern.FindStringSubmatch(req.Query)
	if match == nil {
		log.Warn().Str("query", req.Query).Msg("aggregator query has no transforms selection")
		WriteJSON(w, http.StatusOK, map[string]interface{}{
			"errors": []map[string]interface{}{
				{"message": "query must select transforms(first:N)"},
			},
		})
		return
	}

	first, err := strconv.Atoi(match[1])
	if err != nil || first < 0 {
		first = 0
	}

	statuses := h.pipeline.Snapshot()
	if first < len(statuses) {
		statuses = statuses[:first]
	}

	nodes := make([]map[string]interface{}, 0, len(statuses))
	for _, status := range statuses {
		var sent interface{}
		if status.Seen {
			sent = map[string]interface{}{"sentEventsTotal": status.Sent}
		}
		nodes = append(nodes, map[string]interface{}{
			"componentId": status.Name,
			"metrics":     map[string]interface{}{"sentEventsTotal": sent},
		})
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{
			"transforms": map[string]interface{}{
				"nodes": nodes,
			},
		},
	})
}

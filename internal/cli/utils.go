// Package cli provides output helpers for the vecsync command line.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/hyperjump/vecsync/internal/models"
	"github.com/hyperjump/vecsync/pkg/utils"
)

// OutputFormat is the format for command output.
type OutputFormat string

const (
	// OutputText is human-readable text (default).
	OutputText OutputFormat = "text"
	// OutputJSON is structured JSON for machine consumption.
	OutputJSON OutputFormat = "json"
)

// ParseOutputFormat maps a -output flag value to a format.
func ParseOutputFormat(s string) (OutputFormat, error) {
	switch OutputFormat(strings.ToLower(strings.TrimSpace(s))) {
	case "", OutputText:
		return OutputText, nil
	case OutputJSON:
		return OutputJSON, nil
	default:
		return "", fmt.Errorf("unknown output format %q (want text or json)", s)
	}
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// WriteSearchResults writes search hits to w in the given format.
func WriteSearchResults(w io.Writer, response *models.SearchResponse, format OutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, response)
	}
	fmt.Fprintf(w, "\nFound %d results in %dms\n\n", len(response.Hits), response.QueryTime)
	for i, hit := range response.Hits {
		fmt.Fprintf(w, "%2d. %s\n", i+1, utils.Truncate(hit.Title, 120))
		fmt.Fprintf(w, "    id: %s | label: %d | distance: %.4f\n", hit.ID, hit.Label, hit.Distance)
	}
	return nil
}

// PrintSearchResults prints search results to stdout in text format.
func PrintSearchResults(response *models.SearchResponse) {
	_ = WriteSearchResults(os.Stdout, response, OutputText)
}

// WriteSyncResult reports a finished build for workspace.
func WriteSyncResult(w io.Writer, workspace string, result models.SyncResult, format OutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, struct {
			Workspace string `json:"workspace"`
			models.SyncResult
		}{workspace, result})
	}
	switch {
	case result.Canceled:
		fmt.Fprintf(w, "%s: %s canceled after %d batches (%d blocks)\n", workspace, result.Mode, result.Batches, result.Blocks)
	case result.Mode == "":
		fmt.Fprintf(w, "%s: no index backend, nothing to sync\n", workspace)
	default:
		fmt.Fprintf(w, "%s: %s embedded %d blocks in %d batches\n", workspace, result.Mode, result.Blocks, result.Batches)
	}
	return nil
}

// WorkspaceStatus is the status line for one workspace.
type WorkspaceStatus struct {
	Workspace      string            `json:"workspace"`
	Blocks         int64             `json:"blocks"`
	Labelled       int64             `json:"labelled"`
	IndexInfo      *models.IndexInfo `json:"index_info,omitempty"`
	DiskUsageBytes int64             `json:"disk_usage_bytes"`
}

// WriteStatus writes one entry per workspace.
func WriteStatus(w io.Writer, statuses []WorkspaceStatus, format OutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, statuses)
	}
	if len(statuses) == 0 {
		fmt.Fprintln(w, "No workspaces.")
		return nil
	}
	for _, st := range statuses {
		fmt.Fprintf(w, "%s\n", st.Workspace)
		fmt.Fprintf(w, "  blocks:   %d (%d labelled)\n", st.Blocks, st.Labelled)
		if st.IndexInfo != nil {
			fmt.Fprintf(w, "  index:    %s, %d dims, %d vectors, next label %d, %d free\n",
				st.IndexInfo.Model, st.IndexInfo.Dimensions, st.IndexInfo.Size, st.IndexInfo.NextLabel, st.IndexInfo.FreeLabels)
		} else {
			fmt.Fprintln(w, "  index:    disabled")
		}
		fmt.Fprintf(w, "  disk:     %s\n", utils.FormatBytes(st.DiskUsageBytes))
	}
	return nil
}

package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/openfroyo/converge/pkg/catalog"
	"github.com/openfroyo/converge/pkg/engine"
)

const (
	outputText = "text"
	outputJSON = "json"
)

func checkOutput(format string) error {
	switch format {
	case outputText, outputJSON:
		return nil
	default:
		return engine.NewConfigurationError(fmt.Sprintf("unknown output format %q", format), nil).
			WithOperation("output")
	}
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printPlan writes pending changes.
func printPlan(w io.Writer, format string, changes []catalog.Change) error {
	if format == outputJSON {
		if changes == nil {
			changes = []catalog.Change{}
		}
		return writeJSON(w, changes)
	}

	if len(changes) == 0 {
		_, err := fmt.Fprintln(w, "No changes. Everything is in sync.")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RESOURCE\tPROPERTY\tIS\tSHOULD")
	for _, c := range changes {
		fmt.Fprintf(tw, "%s[%s]\t%s\t%s\t%s\n", c.Type, c.Resource, c.Property, c.Is, c.Should)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "\n%d change(s) pending.\n", len(changes))
	return err
}

// memberReport is the JSON form of one applied member.
type memberReport struct {
	Type     string             `json:"type"`
	Resource string             `json:"resource"`
	Events   []engine.EventKind `json:"events"`
	Error    string             `json:"error,omitempty"`
	Duration string             `json:"duration"`
}

// applyReport is the JSON form of an applied transaction.
type applyReport struct {
	Transaction string             `json:"transaction"`
	Group       string             `json:"group"`
	Events      []engine.EventKind `json:"events"`
	Members     []memberReport     `json:"members"`
	Failed      int                `json:"failed"`
}

// printApply writes the outcome of an applied transaction.
func printApply(w io.Writer, format string, tx *engine.Transaction, events engine.EventSet) error {
	results := tx.Results()

	if format == outputJSON {
		report := applyReport{
			Transaction: tx.ID,
			Group:       tx.Group,
			Events:      events.Sorted(),
			Members:     make([]memberReport, 0, len(results)),
		}
		for _, res := range results {
			m := memberReport{
				Type:     res.Resource.Type(),
				Resource: res.Resource.Name(),
				Events:   res.Events.Sorted(),
				Duration: res.Duration.String(),
			}
			if res.Err != nil {
				m.Error = res.Err.Error()
				report.Failed++
			}
			report.Members = append(report.Members, m)
		}
		return writeJSON(w, report)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RESOURCE\tSTATUS\tEVENTS")
	changed, failed := 0, 0
	for _, res := range results {
		status := "ok"
		switch {
		case res.Err != nil:
			status = "failed"
			failed++
		case res.Events.Len() > 0:
			status = "changed"
			changed++
		}
		fmt.Fprintf(tw, "%s[%s]\t%s\t%s\n", res.Resource.Type(), res.Resource.Name(), status, res.Events)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "\nApplied %d resource(s): %d changed, %d failed.\n", len(results), changed, failed)
	return err
}

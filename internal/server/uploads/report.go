package uploads

import (
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/doccatalog/internal/common"
)

// Outcome is the terminal state of a batch.
type Outcome string

const (
	// OutcomeCommitted: every name is committed.
	OutcomeCommitted Outcome = "committed"
	// OutcomeCommittedPartial: nothing is left to retry, but some names had
	// no staged file and were never uploaded. They are listed in Missing.
	OutcomeCommittedPartial Outcome = "committed_partial"
	// OutcomeGivenUp: cumulative backoff would have passed the ceiling.
	OutcomeGivenUp Outcome = "given_up"
	// OutcomeDocumentMissing: the document does not exist, at batch start or
	// as reported by the ledger mid-batch.
	OutcomeDocumentMissing Outcome = "document_missing"
	// OutcomeInterrupted: the scheduler shut down while the batch was waiting
	// to retry. Remaining names stay staged for the next Resume.
	OutcomeInterrupted Outcome = "interrupted"
)

// BatchReport summarizes one RunBatch call.
type BatchReport struct {
	DocumentID string
	Outcome    Outcome
	// Committed names are in object storage and in the ledger; their staged
	// files have been removed.
	Committed []string
	// Remaining names are still staged and absent from the ledger.
	Remaining []string
	// Missing names had no staged file to upload.
	Missing []string
	Rounds  int
	// Backoff is the total time spent sleeping between rounds.
	Backoff time.Duration
}

// Round holds the outcome of one wave of concurrent puts. Every input name
// lands in exactly one of the three sets.
type Round struct {
	Succeeded []string
	Failed    []string
	Missing   []string
}

// partition sorts names into a Round by their put results. results[i]
// belongs to names[i].
func partition(names []string, results []error) Round {
	if len(names) != len(results) {
		panic(fmt.Sprintf("uploads: %d names but %d results", len(names), len(results)))
	}
	var r Round
	for i, name := range names {
		switch err := results[i]; {
		case err == nil:
			r.Succeeded = append(r.Succeeded, name)
		case errors.Is(err, common.ErrStagedFileMissing):
			r.Missing = append(r.Missing, name)
		default:
			r.Failed = append(r.Failed, name)
		}
	}
	return r
}

// dedupe drops repeated names, keeping first occurrences in order.
func dedupe(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}

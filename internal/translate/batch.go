package translate

const (
	// maxBatchItems caps the number of rows per LLM call.
	maxBatchItems = 28

	// maxBatchChars caps the summed text length per LLM call. Soft while
	// the batch holds fewer than minBatchItems rows, so a single oversized
	// row still travels alone rather than being dropped.
	maxBatchChars = 2600

	// minBatchItems is the row count below which the char cap does not
	// close a batch.
	minBatchItems = 8
)

// batch is a contiguous slice of the input rows with their original indexes.
type batch struct {
	// first is the index of the batch's first row in the full input.
	first int
	texts []string
}

// partition splits texts into batches under the dual (item count, char count)
// limits. Every batch holds at least one row; a batch may exceed the char cap
// only while it holds fewer than minBatchItems rows.
func partition(texts []string) []batch {
	var out []batch
	cur := batch{first: 0}
	chars := 0

	for i, t := range texts {
		if len(cur.texts) > 0 {
			overItems := len(cur.texts) >= maxBatchItems
			overChars := chars+len(t) > maxBatchChars && len(cur.texts) >= minBatchItems
			if overItems || overChars {
				out = append(out, cur)
				cur = batch{first: i}
				chars = 0
			}
		}
		cur.texts = append(cur.texts, t)
		chars += len(t)
	}
	if len(cur.texts) > 0 {
		out = append(out, cur)
	}
	return out
}

package models

import "unicode/utf8"

// Candidate is a block selected for (re)embedding, annotated with the text to embed.
// UpdatedAt is captured at scan time and becomes the label's refresh timestamp.
type Candidate struct {
	ID        string
	UpdatedAt int64
	Text      string
	PrevLabel *int
}

// Size returns the candidate's text size in budget units (runes).
func (c Candidate) Size() int {
	return utf8.RuneCountInString(c.Text)
}

// Batch is an ordered, non-empty group of candidates embedded in one backend call.
type Batch []Candidate

// Size returns the summed text size of the batch.
func (b Batch) Size() int {
	n := 0
	for _, c := range b {
		n += c.Size()
	}
	return n
}

// Texts returns the embeddable texts in batch order.
func (b Batch) Texts() []string {
	texts := make([]string, len(b))
	for i, c := range b {
		texts[i] = c.Text
	}
	return texts
}

// IDs returns the block IDs in batch order.
func (b Batch) IDs() []string {
	ids := make([]string, len(b))
	for i, c := range b {
		ids[i] = c.ID
	}
	return ids
}

// PrevLabels returns the labels currently owned by blocks in the batch.
func (b Batch) PrevLabels() []int {
	var labels []int
	for _, c := range b {
		if c.PrevLabel != nil {
			labels = append(labels, *c.PrevLabel)
		}
	}
	return labels
}

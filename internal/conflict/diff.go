package conflict

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fieldsync/fieldsync/internal/models"
	"github.com/sergi/go-diff/diffmatchpatch"
)

// FieldDiff describes one conflicting field for presentation.
type FieldDiff struct {
	Field  string `json:"field"`
	Local  any    `json:"local"`
	Remote any    `json:"remote"`

	// Diff marks the edit from remote to local inline: [-removed-]{+added+}.
	Diff string `json:"diff"`
}

// FieldDiffs returns a diff for each conflicting field in order. String
// values are diffed character-wise; other values are rendered as JSON.
func FieldDiffs(rec *models.ConflictRecord) []FieldDiff {
	local := normalize(rec.Local.Fields)
	remote := normalize(rec.Remote.Fields)
	dmp := diffmatchpatch.New()

	out := make([]FieldDiff, 0, len(rec.ConflictingFields))

	for _, f := range rec.ConflictingFields {
		lv, rv := local[f], remote[f]

		out = append(out, FieldDiff{
			Field:  f,
			Local:  lv,
			Remote: rv,
			Diff:   inlineDiff(dmp, render(rv), render(lv)),
		})
	}

	return out
}

func inlineDiff(dmp *diffmatchpatch.DiffMatchPatch, from, to string) string {
	diffs := dmp.DiffMain(from, to, true)
	if len(diffs) > 2 {
		diffs = dmp.DiffCleanupSemantic(diffs)
	}

	var b strings.Builder

	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffEqual:
			b.WriteString(d.Text)
		case diffmatchpatch.DiffDelete:
			b.WriteString("[-")
			b.WriteString(d.Text)
			b.WriteString("-]")
		case diffmatchpatch.DiffInsert:
			b.WriteString("{+")
			b.WriteString(d.Text)
			b.WriteString("+}")
		}
	}

	return b.String()
}

func render(v any) string {
	if s, ok := v.(string); ok {
		return s
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}

	return string(data)
}

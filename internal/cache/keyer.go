package cache

import (
	"github.com/pkg/errors"

	"github.com/tuannm99/novads/internal/extract"
)

// Tier is the stage of a request an artifact belongs to.
type Tier uint8

const (
	TierRows Tier = iota
	TierDocument
	TierPage
)

func (t Tier) String() string {
	switch t {
	case TierRows:
		return "rows"
	case TierDocument:
		return "document"
	case TierPage:
		return "page"
	default:
		return "unknown"
	}
}

// Keyer derives cache keys per tier. Each tier's extractor list extends the
// previous one, so the rowset key inputs are a subset of the document key
// inputs, which are a subset of the page key inputs.
type Keyer struct {
	prefix string
	tiers  [3][]extract.Extractor
}

// NewKeyer builds the tiers from the row extractors plus the extra
// extractors a document and a page add.
func NewKeyer(dataset string, rows, document, page []extract.Extractor) *Keyer {
	k := &Keyer{prefix: Prefix(dataset)}
	k.tiers[TierRows] = append([]extract.Extractor(nil), rows...)
	k.tiers[TierDocument] = append(append([]extract.Extractor(nil), k.tiers[TierRows]...), document...)
	k.tiers[TierPage] = append(append([]extract.Extractor(nil), k.tiers[TierDocument]...), page...)
	return k
}

// Prefix is the key prefix shared by every entry of a data set.
func Prefix(dataset string) string { return dataset + "|" }

func (k *Keyer) Extractors(t Tier) []extract.Extractor {
	if int(t) >= len(k.tiers) {
		return nil
	}
	return append([]extract.Extractor(nil), k.tiers[t]...)
}

// Key returns "<dataset>|<tier>|[page][v1]...".
func (k *Keyer) Key(t Tier, src extract.Source) (string, error) {
	if int(t) >= len(k.tiers) {
		return "", errors.Errorf("cache: unknown tier %d", t)
	}
	body, err := extract.Key(src, k.tiers[t])
	if err != nil {
		return "", errors.Wrapf(err, "cache: %s key", t)
	}
	return k.prefix + t.String() + "|" + body, nil
}

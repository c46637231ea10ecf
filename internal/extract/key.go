package extract

import (
	"fmt"
	"strings"
)

// Key concatenates the page identifier and every extractor output, each
// wrapped in brackets: "[page][v1][v2]". Identical outputs give identical keys.
func Key(src Source, extractors []Extractor) (string, error) {
	var b strings.Builder
	writeBracket(&b, src.PageID())
	for _, e := range extractors {
		v, err := e.Extract(src)
		if err != nil {
			return "", err
		}
		if v == nil {
			b.WriteString(nullKey)
			continue
		}
		writeBracket(&b, format(v))
	}
	return b.String(), nil
}

// nullKey marks an absent value. writeBracket never emits a backslash
// followed by '0', so no value encodes to it and "" stays distinct.
const nullKey = `[\0]`

func writeBracket(b *strings.Builder, s string) {
	b.WriteByte('[')
	// Brackets inside values would let two different value lists collide.
	if strings.ContainsAny(s, `[]\`) {
		s = strings.NewReplacer(`\`, `\\`, "[", `\[`, "]", `\]`).Replace(s)
	}
	b.WriteString(s)
	b.WriteByte(']')
}

var listEscaper = strings.NewReplacer(`\`, `\\`, ",", `\,`)

func format(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case []string:
		// Commas inside elements would merge with the separator.
		parts := make([]string, len(x))
		for i, p := range x {
			parts[i] = listEscaper.Replace(p)
		}
		return strings.Join(parts, ",")
	case []byte:
		return string(x)
	default:
		return fmt.Sprint(x)
	}
}

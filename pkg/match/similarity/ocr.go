package similarity

// ocrClasses groups glyphs that optical recognition commonly confuses.
// Inputs are normalized to uppercase before lookup, so lowercase l is
// covered by the 1/I/L class.
var ocrClasses = [][]rune{
	{'0', 'O'},
	{'1', 'I', 'L'},
	{'5', 'S'},
	{'6', 'G'},
	{'8', 'B'},
	{'2', 'Z'},
}

var ocrAlternates = buildAlternates()

func buildAlternates() map[rune][]rune {
	m := make(map[rune][]rune)
	for _, class := range ocrClasses {
		for _, r := range class {
			for _, alt := range class {
				if alt != r {
					m[r] = append(m[r], alt)
				}
			}
		}
	}
	return m
}

// maxOCRSubs bounds the substitution search.
const maxOCRSubs = 3

// RefScore compares two already-normalized references. Exact match is
// 1.0; otherwise the score is the best Levenshtein ratio reachable by
// applying up to three OCR glyph substitutions to a, floored by the
// ratio of the unmodified strings.
func RefScore(a, b string) float64 {
	if a == b {
		return 1
	}
	best := LevenshteinRatio(a, b)
	seen := map[string]struct{}{a: {}}
	runes := []rune(a)
	var walk func(pos, budget int)
	walk = func(pos, budget int) {
		if budget == 0 || best == 1 {
			return
		}
		for i := pos; i < len(runes); i++ {
			alts, ok := ocrAlternates[runes[i]]
			if !ok {
				continue
			}
			orig := runes[i]
			for _, alt := range alts {
				runes[i] = alt
				variant := string(runes)
				if _, dup := seen[variant]; !dup {
					seen[variant] = struct{}{}
					if r := LevenshteinRatio(variant, b); r > best {
						best = r
					}
					walk(i+1, budget-1)
				}
			}
			runes[i] = orig
		}
	}
	walk(0, maxOCRSubs)
	return best
}

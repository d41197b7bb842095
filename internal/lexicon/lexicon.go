// Package lexicon содержит статические словари и текстовые примитивы,
// общие для нормализатора чеков и сопоставителя каталога.
package lexicon

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Tables — неизменяемые справочные таблицы сопоставления. Передаются в
// нормализатор и сопоставитель явно, а не через глобальное состояние.
type Tables struct {
	// BrandPrefixes — известные бренд-префиксы в каноническом виде.
	BrandPrefixes []string
	// Stopwords — служебные слова, исключаемые из ключевых слов.
	Stopwords map[string]struct{}
	// Fillers — формы выпуска и прочие незначимые токены.
	Fillers map[string]struct{}
	// Abbreviations — словарь расшифровок сокращений.
	Abbreviations map[string][]string
	// DiscountMarkers — маркеры скидочных строк в легаси-чеках.
	DiscountMarkers []string
}

// Default возвращает справочные таблицы для аптечного каталога.
func Default() Tables {
	stop := map[string]struct{}{}
	for _, w := range []string{"des", "les", "pour", "avec", "sans", "sur", "par", "aux"} {
		stop[w] = struct{}{}
	}

	fillers := map[string]struct{}{}
	for _, w := range []string{
		"gelule", "gelules", "comprime", "comprimes", "capsule", "capsules",
		"sachet", "sachets", "ampoule", "ampoules", "flacon", "boite",
		"spray", "stick", "tube", "pack", "lot", "format", "promo", "cure", "pot",
	} {
		fillers[w] = struct{}{}
	}

	return Tables{
		BrandPrefixes: []string{
			"phytalessence", "arkopharma", "arko", "pileje", "nutergia",
			"solgar", "biocyte", "nhco", "granions", "santarome",
			"urgo", "avene", "nuxe", "mustela", "weleda",
		},
		Stopwords: stop,
		Fillers:   fillers,
		Abbreviations: map[string][]string{
			"vit":  {"vitamine"},
			"mag":  {"magnesium"},
			"calc": {"calcium"},
			"omeg": {"omega"},
			"prob": {"probiotique"},
			"sol":  {"solution", "solaire"},
			"art":  {"articulation"},
			"chev": {"cheveux"},
			"dig":  {"digestion"},
			"imm":  {"immunite"},
			"somm": {"sommeil"},
			"derm": {"dermatologique"},
		},
		DiscountMarkers: []string{"remise", "reduction", "rabais", "ristourne"},
	}
}

// Canonicalize приводит строку к виду для сравнения: нижний регистр,
// без диакритики, разделители схлопнуты в одиночные пробелы.
func Canonicalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))

	strip := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	if out, _, err := transform.String(strip, s); err == nil {
		s = out
	}

	var b strings.Builder
	b.Grow(len(s))
	pendingSpace := false
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if pendingSpace && b.Len() > 0 {
				b.WriteByte(' ')
			}
			pendingSpace = false
			b.WriteRune(r)
			continue
		}
		pendingSpace = true
	}

	return b.String()
}

// Levenshtein возвращает редакционное расстояние между двумя строками.
func Levenshtein(a, b string) int {
	ra := []rune(a)
	rb := []rune(b)

	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}

	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}

	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, min(curr[j-1]+1, prev[j-1]+cost))
		}
		prev, curr = curr, prev
	}

	return prev[len(rb)]
}

// prefixTolerance возвращает допустимое редакционное расстояние для
// нечёткого распознавания бренд-префикса.
func prefixTolerance(prefix string) int {
	if len(prefix) <= 5 {
		return 1
	}
	return 2
}

// BrandPrefix проверяет, является ли токен известным бренд-префиксом,
// точно или с учётом OCR-опечаток.
func (t Tables) BrandPrefix(token string) (string, bool) {
	token = Canonicalize(token)
	if token == "" {
		return "", false
	}

	for _, p := range t.BrandPrefixes {
		if token == p {
			return p, true
		}
	}

	for _, p := range t.BrandPrefixes {
		if Levenshtein(token, p) <= prefixTolerance(p) {
			return p, true
		}
	}

	return "", false
}

// StripBrand отрезает бренд-префикс от канонизированного имени.
// Возвращает остаток и признак того, что префикс был найден.
func (t Tables) StripBrand(clean string) (string, bool) {
	first, rest, found := strings.Cut(clean, " ")
	if !found {
		return clean, false
	}
	if _, ok := t.BrandPrefix(first); !ok {
		return clean, false
	}
	return rest, true
}

// HasDiscountMarker проверяет, содержит ли имя строки маркер скидки.
func (t Tables) HasDiscountMarker(name string) bool {
	clean := Canonicalize(name)
	for _, m := range t.DiscountMarkers {
		if strings.Contains(clean, m) {
			return true
		}
	}
	return false
}

// Keywords извлекает ключевые слова из канонизированной строки:
// токены из букв длиной от трёх символов, кроме стоп-слов.
func (t Tables) Keywords(clean string) []string {
	var res []string
	for _, tok := range strings.Fields(clean) {
		if len(tok) < 3 || !lettersOnly(tok) {
			continue
		}
		if _, stop := t.Stopwords[tok]; stop {
			continue
		}
		res = append(res, tok)
	}
	return res
}

// SignificantKeywords возвращает ключевые слова без форм выпуска и дозировок.
func (t Tables) SignificantKeywords(clean string) []string {
	var res []string
	for _, kw := range t.Keywords(clean) {
		if _, filler := t.Fillers[kw]; filler {
			continue
		}
		res = append(res, kw)
	}
	return res
}

// Expand возвращает варианты расшифровки сокращения, включая само слово.
func (t Tables) Expand(keyword string) []string {
	exp, ok := t.Abbreviations[keyword]
	if !ok {
		return []string{keyword}
	}
	res := make([]string, 0, len(exp)+1)
	res = append(res, keyword)
	res = append(res, exp...)
	return res
}

// IsAbbreviation сообщает, есть ли у слова расшифровки в словаре.
func (t Tables) IsAbbreviation(keyword string) bool {
	_, ok := t.Abbreviations[keyword]
	return ok
}

func lettersOnly(s string) bool {
	for _, r := range s {
		if !unicode.IsLetter(r) {
			return false
		}
	}
	return true
}

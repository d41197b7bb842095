// Package matcher сопоставляет нормализованные строки чека с товарами каталога.
//
// Стратегии пробуются строго по приоритету с выходом на первом успехе:
// алиасы, точное имя, имя без бренд-префикса, вхождение подстроки,
// расшифровка сокращений, строгие ключевые слова и, последним, нечёткая
// оценка пересечения ключевых слов.
package matcher

import (
	"strings"

	"github.com/ndelacroix/loyalty-system/internal/lexicon"
	"github.com/ndelacroix/loyalty-system/internal/model"
)

const (
	// fuzzyThreshold — минимальная нечёткая оценка для принятия кандидата.
	fuzzyThreshold = 0.6
	// partialCredit — вес пары ключевых слов, связанных вхождением подстроки.
	partialCredit = 0.7
	// longPrefixLen — минимальная длина обеих строк для совпадения по префиксу.
	longPrefixLen = 5
)

// Matcher выполняет каскадное сопоставление строк чека с каталогом.
type Matcher struct {
	tables     lexicon.Tables
	strategies []strategy
}

type strategy struct {
	tag model.MatchStrategy
	fn  func(m *Matcher, it itemView, cands []candidate) (*candidate, float64, bool)
}

// New создаёт сопоставитель с указанными справочными таблицами.
func New(tables lexicon.Tables) *Matcher {
	m := &Matcher{tables: tables}
	m.strategies = []strategy{
		{model.StrategyAlias, (*Matcher).matchAlias},
		{model.StrategyExact, (*Matcher).matchExact},
		{model.StrategyBrandStrip, (*Matcher).matchBrandStrip},
		{model.StrategyContains, (*Matcher).matchContains},
		{model.StrategyAbbreviation, (*Matcher).matchAbbreviation},
		{model.StrategyKeyword, (*Matcher).matchKeywords},
		{model.StrategyFuzzy, (*Matcher).matchFuzzy},
	}
	return m
}

// Result — агрегированный итог сопоставления одного чека.
type Result struct {
	Records        []model.MatchRecord
	MatchedCount   int
	UnmatchedCount int
	MatchRate      float64
	EligibleAmount float64
}

// itemView — предвычисленные представления имени строки чека.
type itemView struct {
	clean       string
	stripped    string
	keywords    []string
	significant []string
}

// candidate — предвычисленные представления товара каталога.
type candidate struct {
	product     model.CatalogProduct
	clean       string
	aliases     []string
	keywords    []string
	significant []string
}

// Match сопоставляет строки чека с активными товарами каталога.
// Зачётная сумма всегда равна сумме unitPrice×quantity по сопоставленным строкам.
func (m *Matcher) Match(items []model.NormalizedLineItem, catalog []model.CatalogProduct) Result {
	cands := m.prepareCatalog(catalog)

	res := Result{Records: make([]model.MatchRecord, 0, len(items))}
	for _, item := range items {
		rec := m.matchItem(item, cands)
		if rec.Matched() {
			res.MatchedCount++
			res.EligibleAmount += rec.EligibleAmount
		} else {
			res.UnmatchedCount++
		}
		res.Records = append(res.Records, rec)
	}

	if len(res.Records) > 0 {
		res.MatchRate = float64(res.MatchedCount) / float64(len(res.Records)) * 100
	}

	return res
}

func (m *Matcher) prepareCatalog(catalog []model.CatalogProduct) []candidate {
	cands := make([]candidate, 0, len(catalog))
	for _, p := range catalog {
		if !p.Active {
			continue
		}

		clean := lexicon.Canonicalize(p.Name)
		c := candidate{
			product:     p,
			clean:       clean,
			keywords:    m.tables.Keywords(clean),
			significant: m.tables.SignificantKeywords(clean),
		}
		for _, a := range p.Aliases {
			if ca := lexicon.Canonicalize(a); ca != "" {
				c.aliases = append(c.aliases, ca)
			}
		}
		cands = append(cands, c)
	}
	return cands
}

func (m *Matcher) matchItem(item model.NormalizedLineItem, cands []candidate) model.MatchRecord {
	rec := model.MatchRecord{Item: item}

	clean := lexicon.Canonicalize(item.Name)
	if clean == "" {
		return rec
	}

	stripped, _ := m.tables.StripBrand(clean)
	it := itemView{
		clean:       clean,
		stripped:    stripped,
		keywords:    m.tables.Keywords(clean),
		significant: m.tables.SignificantKeywords(clean),
	}

	for _, s := range m.strategies {
		cand, confidence, ok := s.fn(m, it, cands)
		if !ok {
			continue
		}

		id := cand.product.ID
		rec.ProductID = &id
		rec.ProductName = cand.product.Name
		rec.Strategy = s.tag
		rec.Confidence = confidence
		rec.EligibleAmount = item.UnitPrice * float64(item.Quantity)
		return rec
	}

	return rec
}

// matchAlias ищет точное совпадение или вхождение подстроки среди
// зарегистрированных алиасов товара.
func (m *Matcher) matchAlias(it itemView, cands []candidate) (*candidate, float64, bool) {
	for i := range cands {
		for _, alias := range cands[i].aliases {
			if alias == it.clean {
				return &cands[i], 1, true
			}
			if len(alias) >= 3 && (strings.Contains(it.clean, alias) || strings.Contains(alias, it.clean)) {
				return &cands[i], 1, true
			}
		}
	}
	return nil, 0, false
}

// matchExact ищет полное равенство канонизированных имён.
func (m *Matcher) matchExact(it itemView, cands []candidate) (*candidate, float64, bool) {
	for i := range cands {
		if cands[i].clean != "" && cands[i].clean == it.clean {
			return &cands[i], 1, true
		}
	}
	return nil, 0, false
}

// matchBrandStrip сравнивает имена после отрезания бренд-префикса с обеих сторон.
func (m *Matcher) matchBrandStrip(it itemView, cands []candidate) (*candidate, float64, bool) {
	if it.stripped == "" {
		return nil, 0, false
	}
	for i := range cands {
		candName, _ := m.tables.StripBrand(cands[i].clean)
		if candName != "" && candName == it.stripped {
			return &cands[i], 0.95, true
		}
	}
	return nil, 0, false
}

// matchContains ищет вхождение подстроки между очищенными именами в любую сторону.
func (m *Matcher) matchContains(it itemView, cands []candidate) (*candidate, float64, bool) {
	if len(it.clean) < 3 {
		return nil, 0, false
	}
	for i := range cands {
		cl := cands[i].clean
		if len(cl) < 3 {
			continue
		}
		if strings.Contains(it.clean, cl) || strings.Contains(cl, it.clean) {
			return &cands[i], 0.9, true
		}
	}
	return nil, 0, false
}

// matchAbbreviation расшифровывает сокращения в ключевых словах строки и
// требует, чтобы каждое слово в какой-либо расшифровке совпало с ключевым
// словом товара точно или по длинному префиксу.
func (m *Matcher) matchAbbreviation(it itemView, cands []candidate) (*candidate, float64, bool) {
	if len(it.keywords) == 0 {
		return nil, 0, false
	}

	hasAbbrev := false
	for _, kw := range it.keywords {
		if m.tables.IsAbbreviation(kw) {
			hasAbbrev = true
			break
		}
	}
	if !hasAbbrev {
		return nil, 0, false
	}

	for i := range cands {
		if len(cands[i].keywords) == 0 {
			continue
		}
		if m.allKeywordsCovered(it.keywords, cands[i].keywords, true) {
			return &cands[i], 0.85, true
		}
	}
	return nil, 0, false
}

// matchKeywords — строгое совпадение значимых ключевых слов: формы выпуска,
// дозировки и числовые токены уже отброшены.
func (m *Matcher) matchKeywords(it itemView, cands []candidate) (*candidate, float64, bool) {
	if len(it.significant) == 0 {
		return nil, 0, false
	}
	for i := range cands {
		if len(cands[i].significant) == 0 {
			continue
		}
		if m.allKeywordsCovered(it.significant, cands[i].significant, false) {
			return &cands[i], 0.8, true
		}
	}
	return nil, 0, false
}

// matchFuzzy выбирает кандидата с наибольшей симметричной оценкой пересечения
// ключевых слов; принимается только оценка не ниже порога.
func (m *Matcher) matchFuzzy(it itemView, cands []candidate) (*candidate, float64, bool) {
	var best *candidate
	bestScore := 0.0

	for i := range cands {
		score := m.fuzzyScore(it.keywords, cands[i].keywords)
		if score > bestScore {
			bestScore = score
			best = &cands[i]
		}
	}

	if best == nil || bestScore < fuzzyThreshold {
		return nil, 0, false
	}
	return best, bestScore, true
}

// allKeywordsCovered проверяет, что каждое ключевое слово item находит пару
// среди ключевых слов кандидата: равенство или длинный общий префикс.
// При expand=true слово сравнивается во всех расшифровках из словаря сокращений.
func (m *Matcher) allKeywordsCovered(itemKw, candKw []string, expand bool) bool {
	for _, kw := range itemKw {
		options := []string{kw}
		if expand {
			options = m.tables.Expand(kw)
		}

		covered := false
	optionLoop:
		for _, opt := range options {
			for _, ck := range candKw {
				if keywordPairMatch(opt, ck) {
					covered = true
					break optionLoop
				}
			}
		}
		if !covered {
			return false
		}
	}
	return true
}

func keywordPairMatch(a, b string) bool {
	if a == b {
		return true
	}
	if len(a) >= longPrefixLen && len(b) >= longPrefixLen {
		return strings.HasPrefix(a, b) || strings.HasPrefix(b, a)
	}
	return false
}

// fuzzyScore — среднее долей покрытых ключевых слов с обеих сторон.
// Пара слов даёт полный кредит при равенстве (в том числе через расшифровку
// сокращения) и частичный при вхождении подстроки.
func (m *Matcher) fuzzyScore(itemKw, candKw []string) float64 {
	if len(itemKw) == 0 || len(candKw) == 0 {
		return 0
	}

	var sumItem float64
	for _, kw := range itemKw {
		sumItem += m.bestCredit(kw, candKw)
	}

	var sumCand float64
	for _, ck := range candKw {
		sumCand += m.bestCredit(ck, itemKw)
	}

	return (sumItem/float64(len(itemKw)) + sumCand/float64(len(candKw))) / 2
}

func (m *Matcher) bestCredit(kw string, others []string) float64 {
	best := 0.0
	for _, opt := range m.tables.Expand(kw) {
		for _, other := range others {
			for _, otherOpt := range m.tables.Expand(other) {
				switch {
				case opt == otherOpt:
					return 1
				case len(opt) >= 3 && len(otherOpt) >= 3 &&
					(strings.Contains(opt, otherOpt) || strings.Contains(otherOpt, opt)):
					if best < partialCredit {
						best = partialCredit
					}
				}
			}
		}
	}
	return best
}

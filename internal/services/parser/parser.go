// Package parser turns bank notification emails into transaction
// candidates using an ordered, data-driven rule table.
package parser

import (
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"

	"expense-reconciliation-backend/internal/models"
	"expense-reconciliation-backend/internal/services/mailgateway"
)

// Candidate is what a rule extracted from one message. Every field is a
// pure function of the message and the rule table.
type Candidate struct {
	Rule          string
	Amount        decimal.Decimal
	Direction     string
	Fingerprint   string
	Institution   string
	AccountLast4  string
	AccountType   string
	OccurredAt    time.Time
	ExplicitDate  bool
	Description   string
	StatedBalance *decimal.Decimal
	Confidence    float64
	Fields        map[string]string
}

// Parser applies the first rule that matches a message and extracts a
// complete transaction from it.
type Parser struct {
	rules []*Rule
}

// New compiles specs in order.
func New(specs []RuleSpec) (*Parser, error) {
	p := &Parser{}
	for _, spec := range specs {
		r, err := Compile(spec)
		if err != nil {
			return nil, err
		}
		p.rules = append(p.rules, r)
	}
	return p, nil
}

// NewDefault returns a parser over DefaultRules.
func NewDefault() *Parser {
	p, err := New(DefaultRules())
	if err != nil {
		panic("parser: bundled rules do not compile: " + err.Error())
	}
	return p
}

// Rules lists the compiled rule names in evaluation order.
func (p *Parser) Rules() []string {
	names := make([]string, len(p.rules))
	for i, r := range p.rules {
		names[i] = r.Name
	}
	return names
}

// Parse returns a candidate, or false when the message is not a
// recognizable transaction notification.
func (p *Parser) Parse(msg mailgateway.Message) (*Candidate, bool) {
	text := NormalizeBody(msg.Body)
	full := strings.TrimSpace(msg.Subject + " " + text)
	if full == "" {
		return nil, false
	}

	// A rule that applies but cannot extract an amount, direction or
	// account hands the message to the next rule. A reject pattern ends
	// the search.
	for _, r := range p.rules {
		if !r.applies(msg, full) {
			continue
		}
		if r.rejects(full) {
			return nil, false
		}
		if c, ok := r.extract(msg, full); ok {
			return c, true
		}
	}
	return nil, false
}

func (r *Rule) rejects(text string) bool {
	for _, re := range r.reject {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

func (r *Rule) applies(msg mailgateway.Message, text string) bool {
	if r.sender != nil && !r.sender.MatchString(msg.From) {
		return false
	}
	if r.subject != nil && !r.subject.MatchString(msg.Subject) {
		return false
	}
	if r.match != nil && !r.match.MatchString(text) {
		return false
	}
	return true
}

const (
	amountPoints      = 3
	accountPoints     = 3
	directionPoints   = 2
	datePoints        = 1
	descriptionPoints = 1
)

func (r *Rule) extract(msg mailgateway.Message, text string) (*Candidate, bool) {
	c := &Candidate{Rule: r.Name, Fields: map[string]string{}}
	points := 0

	rawAmount := firstCapture(r.amount, text)
	amount, ok := parseAmount(rawAmount)
	if !ok {
		return nil, false
	}
	c.Amount = amount
	c.Fields["amount"] = rawAmount
	points += amountPoints

	c.Direction = r.direction(text)
	if c.Direction == "" {
		return nil, false
	}
	points += directionPoints

	fingerprint := firstMatch(r.fingerprint, text)
	last4 := lastDigits(firstCapture(r.account, text), 4)
	if last4 == "" && fingerprint != "" {
		last4 = lastDigits(fingerprint, 4)
	}
	if len(last4) != 4 {
		return nil, false
	}
	c.AccountLast4 = last4
	points += accountPoints

	c.Institution = r.Institution
	if fingerprint != "" {
		c.Fingerprint = collapseSpaces(fingerprint)
		if c.Institution == "" {
			c.Institution = institutionOf(c.Fingerprint)
		}
	} else {
		c.Fingerprint = strings.TrimSpace(c.Institution + " ****" + last4)
	}
	c.Fields["fingerprint"] = c.Fingerprint

	c.AccountType = r.AccountType
	if c.AccountType == "" {
		c.AccountType = models.AccountTypeBank
		if strings.Contains(strings.ToLower(text), "credit card") {
			c.AccountType = models.AccountTypeCreditCard
		}
	}

	c.OccurredAt = msg.ReceivedAt.UTC()
	if raw := firstCapture(r.date, text); raw != "" {
		if d, ok := parseDate(raw, r.dateLayouts); ok {
			c.OccurredAt = anchorDate(d, msg.ReceivedAt)
			c.ExplicitDate = true
			c.Fields["date"] = raw
			points += datePoints
		}
	}

	if desc := collapseSpaces(firstCapture(r.description, text)); desc != "" {
		c.Description = truncate(desc, 200)
		points += descriptionPoints
	} else {
		c.Description = truncate(collapseSpaces(msg.Subject), 200)
	}

	if raw := firstCapture(r.balance, text); raw != "" {
		if bal, ok := parseAmount(raw); ok {
			c.StatedBalance = &bal
			c.Fields["balance"] = raw
		}
	}

	c.Confidence = float64(points) / 10
	return c, true
}

// direction picks the wording that appears earliest in the text, so
// "debited from your account and credited to VPA x" reads as a debit.
func (r *Rule) direction(text string) string {
	best, dir := -1, ""
	try := func(patterns []*regexp.Regexp, d string) {
		for _, re := range patterns {
			loc := re.FindStringIndex(text)
			if loc != nil && (best == -1 || loc[0] < best) {
				best, dir = loc[0], d
			}
		}
	}
	try(r.debit, models.DirectionDebit)
	try(r.credit, models.DirectionCredit)
	return dir
}

func firstCapture(patterns []*regexp.Regexp, text string) string {
	for _, re := range patterns {
		m := re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		if len(m) > 1 {
			if v := strings.TrimSpace(m[1]); v != "" {
				return v
			}
			continue
		}
		return strings.TrimSpace(m[0])
	}
	return ""
}

func firstMatch(patterns []*regexp.Regexp, text string) string {
	for _, re := range patterns {
		if m := re.FindString(text); m != "" {
			return strings.TrimSpace(m)
		}
	}
	return ""
}

func parseAmount(raw string) (decimal.Decimal, bool) {
	raw = strings.NewReplacer(",", "", "₹", "", " ", "").Replace(raw)
	raw = strings.TrimSuffix(raw, ".")
	if raw == "" {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(raw)
	if err != nil || !d.IsPositive() {
		return decimal.Zero, false
	}
	return d, true
}

func parseDate(raw string, layouts []string) (time.Time, bool) {
	raw = strings.Join(strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || r == ' ' }), " ")
	for _, layout := range layouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// anchorDate keeps the message's time of day when the stated date is the
// day the message arrived, so same-day transactions keep arrival order.
func anchorDate(d, received time.Time) time.Time {
	received = received.UTC()
	if d.Year() == received.Year() && d.YearDay() == received.YearDay() {
		return received
	}
	return time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)
}

func lastDigits(s string, n int) string {
	var digits []byte
	for i := len(s) - 1; i >= 0 && len(digits) < n; i-- {
		c := s[i]
		if c >= '0' && c <= '9' {
			digits = append(digits, c)
			continue
		}
		if len(digits) > 0 {
			break
		}
	}
	if len(digits) != n {
		return ""
	}
	for i, j := 0, len(digits)-1; i < j; i, j = i+1, j-1 {
		digits[i], digits[j] = digits[j], digits[i]
	}
	return string(digits)
}

var maskRun = regexp.MustCompile(`(?i)\s*[*xX]{2,}\d{4}\b.*$`)

var trailingFiller = map[string]bool{
	"a/c": true, "ac": true, "acct": true, "account": true, "no": true, "no.": true, "ending": true, "with": true,
}

func institutionOf(fingerprint string) string {
	words := strings.Fields(maskRun.ReplaceAllString(fingerprint, ""))
	for len(words) > 0 && trailingFiller[strings.ToLower(words[len(words)-1])] {
		words = words[:len(words)-1]
	}
	return strings.Join(words, " ")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := s[:n]
	for len(cut) > 0 && !utf8.ValidString(cut) {
		cut = cut[:len(cut)-1]
	}
	return cut
}

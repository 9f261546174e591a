package parser

import (
	"fmt"
	"regexp"

	"github.com/spf13/viper"
)

// RuleSpec is the declarative form of a parsing rule. Patterns are Go
// regular expressions; extractors use capture group 1 (or the whole match
// when the pattern has no group). Fingerprint extractors always use the
// whole match so the text is kept verbatim.
type RuleSpec struct {
	Name        string   `mapstructure:"name" json:"name"`
	Institution string   `mapstructure:"institution" json:"institution"`
	AccountType string   `mapstructure:"account_type" json:"account_type"`
	Sender      string   `mapstructure:"sender" json:"sender"`
	Subject     string   `mapstructure:"subject" json:"subject"`
	Match       string   `mapstructure:"match" json:"match"`
	Reject      []string `mapstructure:"reject" json:"reject"`
	Debit       []string `mapstructure:"debit" json:"debit"`
	Credit      []string `mapstructure:"credit" json:"credit"`
	Amount      []string `mapstructure:"amount" json:"amount"`
	Account     []string `mapstructure:"account" json:"account"`
	Fingerprint []string `mapstructure:"fingerprint" json:"fingerprint"`
	Date        []string `mapstructure:"date" json:"date"`
	DateLayouts []string `mapstructure:"date_layouts" json:"date_layouts"`
	Description []string `mapstructure:"description" json:"description"`
	Balance     []string `mapstructure:"balance" json:"balance"`
}

// Rule is a compiled RuleSpec.
type Rule struct {
	Name        string
	Institution string
	AccountType string

	sender      *regexp.Regexp
	subject     *regexp.Regexp
	match       *regexp.Regexp
	reject      []*regexp.Regexp
	debit       []*regexp.Regexp
	credit      []*regexp.Regexp
	amount      []*regexp.Regexp
	account     []*regexp.Regexp
	fingerprint []*regexp.Regexp
	date        []*regexp.Regexp
	dateLayouts []string
	description []*regexp.Regexp
	balance     []*regexp.Regexp
}

// Shared pattern fragments for the bundled rules.
const (
	amountPattern  = `(?i)(?:\b(?:rs\.?|inr)|₹)\s*([\d,]+(?:\.\d{1,2})?)`
	balancePattern = `(?i)(?:avl|available|avail)\.?\s*(?:bal|balance|limit)\.?\s*(?:is\s*)?:?\s*(?:rs\.?|inr|₹)\s*([\d,]+(?:\.\d{1,2})?)`
	maskedAccount  = `(?i)[*xX]{2,}(\d{4})\b`
	namedAccount   = `(?i)\b(?:a/c|acct|account|card)(?:\s+no\.?)?(?:\s+ending)?(?:\s+with)?\s*[*xX]*(\d{4})\b`
	promoPattern   = `(?i)special offer|cashback offer|win (?:exciting )?prizes|apply now|pre-approved|limited period|exclusive offer|upgrade your card`
)

var (
	standardDebit  = []string{`(?i)has been debited`, `(?i)\bdebited\b`, `(?i)\bspent\b`, `(?i)\bwithdrawn\b`, `(?i)\bpaid\b`}
	standardCredit = []string{`(?i)has been credited`, `(?i)\bcredited\b`, `(?i)\breceived\b`, `(?i)\bdeposited\b`, `(?i)\brefund(?:ed)?\b`}
	standardDates  = []string{
		`\b(\d{2}-\d{2}-\d{2,4})\b`,
		`\b(\d{2}/\d{2}/\d{2,4})\b`,
		`(?i)\b(\d{1,2}[- ](?:jan|feb|mar|apr|may|jun|jul|aug|sep|oct|nov|dec)[a-z]*[- ,]+\d{2,4})\b`,
		`\b(\d{4}-\d{2}-\d{2})\b`,
	}
	standardLayouts = []string{
		"02-01-2006", "02-01-06", "02/01/2006", "02/01/06",
		"2-Jan-2006", "2-Jan-06", "2 Jan 2006", "2 Jan 06", "2 January 2006", "2-January-2006",
		"2006-01-02",
	}
	standardDescriptions = []string{
		`(?:to|from)\s+(?i:vpa)\s+(\S+(?:\s+[A-Z][A-Z ]*[A-Z])?)`,
		`(?i)\bat\s+([a-z0-9&.\-' ]{2,40}?)\s+(?:on|dated)\b`,
		`(?i)\binfo:?\s*([^.;]{2,60})`,
		`(?i)\btowards\s+([^.;]{2,60})`,
	}
)

// DefaultRules returns the bundled rule table. Specific institutions come
// before the generic fallback.
func DefaultRules() []RuleSpec {
	return []RuleSpec{
		{
			Name:        "hdfc-credit-card",
			Institution: "HDFC Bank Credit Card",
			AccountType: "credit_card",
			Sender:      `(?i)hdfc`,
			Match:       `(?i)credit card`,
			Reject:      []string{promoPattern},
			Debit:       standardDebit,
			Credit:      standardCredit,
			Amount:      []string{amountPattern},
			Account:     []string{`(?i)card\s*(?:ending\s*(?:with\s*)?)?[*xX]*(\d{4})\b`, maskedAccount},
			Date:        standardDates,
			DateLayouts: standardLayouts,
			Description: standardDescriptions,
			Balance:     []string{balancePattern},
		},
		{
			Name:        "hdfc",
			Institution: "HDFC Bank",
			AccountType: "bank",
			Sender:      `(?i)hdfc`,
			Reject:      []string{promoPattern},
			Debit:       standardDebit,
			Credit:      standardCredit,
			Amount:      []string{`(?i)\brs\.\s*([\d,]+(?:\.\d+)?)`, amountPattern},
			Account:     []string{`(?i)(?:from|to)\s+account\s+[*xX]*(\d{4})\b`, namedAccount, maskedAccount},
			Date:        standardDates,
			DateLayouts: standardLayouts,
			Description: append(append([]string{}, standardDescriptions...), `(?i)upi transaction reference number is (\d+)`),
			Balance:     []string{balancePattern},
		},
		{
			Name:        "axis",
			Institution: "Axis Bank",
			AccountType: "bank",
			Sender:      `(?i)axis`,
			Reject:      []string{promoPattern},
			Debit:       standardDebit,
			Credit:      standardCredit,
			Amount:      []string{`(?i)(?:\brs\.?\s*|₹\s*|\binr\s+)([\d,]+(?:\.\d+)?)`},
			Account:     []string{`(?i)xx(\d{4})\b`, `\*{4}(\d{4})\b`, `(?i)card\s*[*x]+(\d{4})\b`, namedAccount},
			Date:        standardDates,
			DateLayouts: standardLayouts,
			Description: standardDescriptions,
			Balance:     []string{balancePattern},
		},
		{
			Name:        "sbi",
			Institution: "SBI Bank",
			AccountType: "bank",
			Sender:      `(?i)\bsbi|onlinesbi|alerts\.sbi`,
			Reject:      []string{promoPattern},
			Debit:       standardDebit,
			Credit:      standardCredit,
			Amount:      []string{amountPattern},
			Account:     []string{maskedAccount, namedAccount},
			Date:        standardDates,
			DateLayouts: standardLayouts,
			Description: standardDescriptions,
			Balance:     []string{balancePattern},
		},
		{
			Name:        "icici",
			Institution: "ICICI Bank",
			AccountType: "bank",
			Sender:      `(?i)icici`,
			Reject:      []string{promoPattern},
			Debit:       standardDebit,
			Credit:      standardCredit,
			Amount:      []string{amountPattern},
			Account:     []string{maskedAccount, namedAccount},
			Date:        standardDates,
			DateLayouts: standardLayouts,
			Description: standardDescriptions,
			Balance:     []string{balancePattern},
		},
		{
			Name:        "generic",
			Match:       `(?i)debited|credited|spent|received|withdrawn|paid`,
			Reject:      []string{promoPattern},
			Debit:       standardDebit,
			Credit:      standardCredit,
			Amount:      []string{amountPattern},
			Account:     []string{maskedAccount},
			Fingerprint: []string{`\b[A-Z][A-Za-z&]*(?:\s+[A-Z][A-Za-z&]*){0,3}\s+(?i:bank|card)\s+(?i:(?:a/c|account|acct|card)\s+)?(?i:no\.?\s+)?(?i:ending\s+(?:with\s+)?)?[*xX]{2,}\d{4}\b`},
			Date:        standardDates,
			DateLayouts: standardLayouts,
			Description: standardDescriptions,
			Balance:     []string{balancePattern},
		},
	}
}

// LoadRules reads a "rules" list from a YAML, JSON or TOML file. File rules
// are tried before the bundled ones.
func LoadRules(path string) ([]RuleSpec, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	var specs []RuleSpec
	if err := v.UnmarshalKey("rules", &specs); err != nil {
		return nil, fmt.Errorf("decode rules file: %w", err)
	}
	for i := range specs {
		if len(specs[i].DateLayouts) == 0 {
			specs[i].DateLayouts = standardLayouts
		}
	}
	return append(specs, DefaultRules()...), nil
}

// Compile turns a RuleSpec into a Rule.
func Compile(spec RuleSpec) (*Rule, error) {
	if spec.Name == "" {
		return nil, fmt.Errorf("rule without a name")
	}
	if len(spec.Amount) == 0 || (len(spec.Account) == 0 && len(spec.Fingerprint) == 0) {
		return nil, fmt.Errorf("rule %s: amount and account extractors are required", spec.Name)
	}
	if len(spec.Debit) == 0 && len(spec.Credit) == 0 {
		return nil, fmt.Errorf("rule %s: direction patterns are required", spec.Name)
	}

	r := &Rule{
		Name:        spec.Name,
		Institution: spec.Institution,
		AccountType: spec.AccountType,
		dateLayouts: spec.DateLayouts,
	}
	var err error
	if r.sender, err = compileOptional(spec.Name, spec.Sender); err != nil {
		return nil, err
	}
	if r.subject, err = compileOptional(spec.Name, spec.Subject); err != nil {
		return nil, err
	}
	if r.match, err = compileOptional(spec.Name, spec.Match); err != nil {
		return nil, err
	}
	lists := []struct {
		dst  *[]*regexp.Regexp
		srcs []string
	}{
		{&r.reject, spec.Reject},
		{&r.debit, spec.Debit},
		{&r.credit, spec.Credit},
		{&r.amount, spec.Amount},
		{&r.account, spec.Account},
		{&r.fingerprint, spec.Fingerprint},
		{&r.date, spec.Date},
		{&r.description, spec.Description},
		{&r.balance, spec.Balance},
	}
	for _, l := range lists {
		for _, src := range l.srcs {
			re, err := regexp.Compile(src)
			if err != nil {
				return nil, fmt.Errorf("rule %s: %w", spec.Name, err)
			}
			*l.dst = append(*l.dst, re)
		}
	}
	return r, nil
}

func compileOptional(name, src string) (*regexp.Regexp, error) {
	if src == "" {
		return nil, nil
	}
	re, err := regexp.Compile(src)
	if err != nil {
		return nil, fmt.Errorf("rule %s: %w", name, err)
	}
	return re, nil
}

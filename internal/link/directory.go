package link

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

var (
	ErrUnknownDepartment = errors.New("directory: unknown department")
	ErrInvalidAccount    = errors.New("directory: account number has the wrong format")
	ErrAccountNotFound   = errors.New("directory: account not found")
)

// Account is a department account as known to the department's registry
type Account struct {
	Department    string
	AccountNumber string
	// Phone is the registered mobile number OTPs are delivered to
	Phone string
}

// Directory resolves department accounts. It is the kiosk's only view of
// department data.
type Directory interface {
	Lookup(ctx context.Context, department, accountNumber string) (Account, error)
	Known(department string) bool
}

// DefaultFormats are the account number formats of the departments the kiosk serves
var DefaultFormats = map[string]*regexp.Regexp{
	"electricity":  regexp.MustCompile(`^ELEC\d{6}$`),
	"water":        regexp.MustCompile(`^WAT\d{6,8}$`),
	"gas":          regexp.MustCompile(`^GAS\d{6}$`),
	"property-tax": regexp.MustCompile(`^PTX\d{8}$`),
	"municipal":    regexp.MustCompile(`^MUN\d{6}$`),
}

func checkFormat(formats map[string]*regexp.Regexp, department, accountNumber string) error {
	re, ok := formats[department]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownDepartment, department)
	}
	if !re.MatchString(accountNumber) {
		return ErrInvalidAccount
	}
	return nil
}

// StaticDirectory serves accounts from an in-process table. With a fallback
// phone every well-formed account resolves, which is how kiosks run in
// development.
type StaticDirectory struct {
	formats       map[string]*regexp.Regexp
	registered    map[string]string
	fallbackPhone string
}

// NewStaticDirectory creates a directory over registered, keyed by
// "department:accountNumber" with the registered phone as value
func NewStaticDirectory(registered map[string]string, fallbackPhone string) *StaticDirectory {
	if registered == nil {
		registered = map[string]string{}
	}
	return &StaticDirectory{
		formats:       DefaultFormats,
		registered:    registered,
		fallbackPhone: fallbackPhone,
	}
}

func (d *StaticDirectory) Known(department string) bool {
	_, ok := d.formats[department]
	return ok
}

func (d *StaticDirectory) Lookup(_ context.Context, department, accountNumber string) (Account, error) {
	if err := checkFormat(d.formats, department, accountNumber); err != nil {
		return Account{}, err
	}
	phone, ok := d.registered[department+":"+accountNumber]
	if !ok {
		if d.fallbackPhone == "" {
			return Account{}, ErrAccountNotFound
		}
		phone = d.fallbackPhone
	}
	return Account{Department: department, AccountNumber: accountNumber, Phone: phone}, nil
}

// HTTPDirectory validates the format locally and asks the department registry
// service for the registered phone:
// GET {base}/departments/{department}/accounts/{accountNumber}
type HTTPDirectory struct {
	client  *resty.Client
	formats map[string]*regexp.Regexp
}

// NewHTTPDirectory creates a registry-backed directory
func NewHTTPDirectory(baseURL string, timeout time.Duration) *HTTPDirectory {
	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	return &HTTPDirectory{client: client, formats: DefaultFormats}
}

func (d *HTTPDirectory) Known(department string) bool {
	_, ok := d.formats[department]
	return ok
}

type registryAccount struct {
	Phone string `json:"phone"`
}

func (d *HTTPDirectory) Lookup(ctx context.Context, department, accountNumber string) (Account, error) {
	if err := checkFormat(d.formats, department, accountNumber); err != nil {
		return Account{}, err
	}
	var out registryAccount
	resp, err := d.client.R().
		SetContext(ctx).
		SetPathParams(map[string]string{"department": department, "account": accountNumber}).
		SetResult(&out).
		Get("/departments/{department}/accounts/{account}")
	if err != nil {
		return Account{}, fmt.Errorf("directory: lookup: %w", err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return Account{}, ErrAccountNotFound
	}
	if resp.IsError() {
		return Account{}, fmt.Errorf("directory: lookup failed status=%d", resp.StatusCode())
	}
	if out.Phone == "" {
		return Account{}, ErrAccountNotFound
	}
	return Account{Department: department, AccountNumber: accountNumber, Phone: out.Phone}, nil
}

package server

import (
	"fmt"
	"regexp"
	"strings"
)

// RFC 5322 compliant validation for the two halves of an address.
const LocalPartRegex = `^(?i)(?:[a-z0-9!#$%&'*+/=?^_\{\|\}~-])+(?:\.(?:[a-z0-9!#$%&'*+/=?^_\{\|\}~-])+)*$`
const DomainNameRegex = `^(?i)(?:[a-z0-9](?:[a-z0-9-]*[a-z0-9])?\.)+[a-z0-9](?:[a-z0-9-]*[a-z0-9])?$`

var (
	localPartRe  = regexp.MustCompile(LocalPartRegex)
	domainNameRe = regexp.MustCompile(DomainNameRegex)
)

// Address is a validated, normalized email address.
type Address struct {
	fullAddress string
	localPart   string
	domain      string
	detail      string
}

// NewAddress parses and validates an email address. The address is
// normalized to lower case. Angle brackets from SMTP argument syntax
// are stripped before validation.
func NewAddress(address string) (Address, error) {
	input := strings.ToLower(strings.TrimSpace(address))
	input = strings.TrimPrefix(input, "<")
	input = strings.TrimSuffix(input, ">")

	if input == "" {
		return Address{}, fmt.Errorf("address is empty")
	}
	if strings.ContainsAny(input, " \t\n\r") {
		return Address{}, fmt.Errorf("address contains whitespace: '%s'", input)
	}

	atIndex := strings.LastIndex(input, "@")
	if atIndex == -1 {
		return Address{}, fmt.Errorf("address missing @: '%s'", input)
	}

	localPart := input[:atIndex]
	domain := input[atIndex+1:]

	if !localPartRe.MatchString(localPart) {
		return Address{}, fmt.Errorf("unacceptable local part: '%s'", localPart)
	}
	if !domainNameRe.MatchString(domain) {
		return Address{}, fmt.Errorf("unacceptable domain: '%s'", domain)
	}

	detail := ""
	if plusIndex := strings.Index(localPart, "+"); plusIndex != -1 {
		detail = localPart[plusIndex+1:]
	}

	return Address{
		fullAddress: input,
		localPart:   localPart,
		domain:      domain,
		detail:      detail,
	}, nil
}

func (a Address) FullAddress() string {
	return a.fullAddress
}

func (a Address) LocalPart() string {
	return a.localPart
}

func (a Address) Domain() string {
	return a.domain
}

func (a Address) Detail() string {
	return a.detail
}

// BaseLocalPart returns the local part without the detail (everything before the "+")
func (a Address) BaseLocalPart() string {
	if plusIndex := strings.Index(a.localPart, "+"); plusIndex != -1 {
		return a.localPart[:plusIndex]
	}
	return a.localPart
}

// BaseAddress returns the address without the detail part, the form
// mailboxes are registered under.
func (a Address) BaseAddress() string {
	return a.BaseLocalPart() + "@" + a.domain
}

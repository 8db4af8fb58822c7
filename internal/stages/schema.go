// Package stages holds the default collaborators plugged into the orchestrator:
// intake, classification, extraction, AI assist, normalization, validation and export.
package stages

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Canonical roster fields, in export column order.
const (
	FieldTransactionType  = "transaction_type"
	FieldTransactionAttr  = "transaction_attribute"
	FieldEffectiveDate    = "effective_date"
	FieldTermDate         = "term_date"
	FieldTermReason       = "term_reason"
	FieldProviderName     = "provider_name"
	FieldNPI              = "npi"
	FieldSpecialty        = "specialty"
	FieldStateLicense     = "state_license"
	FieldOrganizationName = "organization_name"
	FieldTIN              = "tin"
	FieldGroupNPI         = "group_npi"
	FieldAddress          = "address"
	FieldPhone            = "phone"
	FieldFax              = "fax"
	FieldEmail            = "email"
	FieldDOB              = "dob"
	FieldPPGID            = "ppg_id"
	FieldLineOfBusiness   = "line_of_business"
)

// Column pairs a canonical field with its export header.
type Column struct {
	Field string
	Label string
}

// Columns is the export layout.
var Columns = []Column{
	{FieldTransactionType, "Transaction Type"},
	{FieldTransactionAttr, "Transaction Attribute"},
	{FieldEffectiveDate, "Effective Date"},
	{FieldTermDate, "Term Date"},
	{FieldTermReason, "Term Reason"},
	{FieldProviderName, "Provider Name"},
	{FieldNPI, "Provider NPI"},
	{FieldSpecialty, "Provider Specialty"},
	{FieldStateLicense, "State License"},
	{FieldOrganizationName, "Organization Name"},
	{FieldTIN, "TIN"},
	{FieldGroupNPI, "Group NPI"},
	{FieldAddress, "Complete Address"},
	{FieldPhone, "Phone Number"},
	{FieldFax, "Fax Number"},
	{FieldEmail, "Email"},
	{FieldDOB, "DOB"},
	{FieldPPGID, "PPG ID"},
	{FieldLineOfBusiness, "Line Of Business"},
}

var headerAliases = map[string]string{
	"name":                FieldProviderName,
	"provider":            FieldProviderName,
	"provider_full_name":  FieldProviderName,
	"full_name":           FieldProviderName,
	"physician":           FieldProviderName,
	"provider_npi":        FieldNPI,
	"npi_number":          FieldNPI,
	"individual_npi":      FieldNPI,
	"type_1_npi":          FieldNPI,
	"provider_specialty":  FieldSpecialty,
	"specialty_name":      FieldSpecialty,
	"taxonomy":            FieldSpecialty,
	"license":             FieldStateLicense,
	"license_number":      FieldStateLicense,
	"organization":        FieldOrganizationName,
	"group_name":          FieldOrganizationName,
	"practice_name":       FieldOrganizationName,
	"tax_id":              FieldTIN,
	"tax_id_number":       FieldTIN,
	"ein":                 FieldTIN,
	"type_2_npi":          FieldGroupNPI,
	"organization_npi":    FieldGroupNPI,
	"complete_address":    FieldAddress,
	"practice_address":    FieldAddress,
	"service_address":     FieldAddress,
	"street_address":      FieldAddress,
	"phone_number":        FieldPhone,
	"telephone":           FieldPhone,
	"tel":                 FieldPhone,
	"fax_number":          FieldFax,
	"email_address":       FieldEmail,
	"e_mail":              FieldEmail,
	"date_of_birth":       FieldDOB,
	"birth_date":          FieldDOB,
	"effective":           FieldEffectiveDate,
	"start_date":          FieldEffectiveDate,
	"termination_date":    FieldTermDate,
	"end_date":            FieldTermDate,
	"termination_reason":  FieldTermReason,
	"transaction":         FieldTransactionType,
	"action":              FieldTransactionType,
	"lob":                 FieldLineOfBusiness,
	"ppg":                 FieldPPGID,
	"ppg_number":          FieldPPGID,
	"attribute":           FieldTransactionAttr,
	"change_type":         FieldTransactionAttr,
	"transaction_attr":    FieldTransactionAttr,
	"line_of_business_id": FieldLineOfBusiness,
}

// SnakeKey folds a raw header into lower snake case after NFKC normalization.
func SnakeKey(raw string) string {
	s := norm.NFKC.String(strings.TrimSpace(raw))
	var b strings.Builder
	pendingSep := false
	for _, r := range s {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if pendingSep && b.Len() > 0 {
				b.WriteByte('_')
			}
			pendingSep = false
			b.WriteRune(unicode.ToLower(r))
		default:
			pendingSep = true
		}
	}
	return b.String()
}

// CanonicalField maps a raw header to its canonical roster field. Unknown
// headers keep their snake-cased form.
func CanonicalField(raw string) string {
	key := SnakeKey(raw)
	if alias, ok := headerAliases[key]; ok {
		return alias
	}
	return key
}

func stringField(fields map[string]any, key string) string {
	v, ok := fields[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(toString(v))
}

// Package validation checks node-description payloads against the node field
// schema.
//
// Every recognized sysinfo key has an entry in the schema naming its kind
// (string, integer, disk map, NIC map, boot parameter map), whether it is
// required in a complete record, and the go-playground/validator tag that its
// value must satisfy. Unrecognized keys are reported back to the caller as
// dropped and never reach the node record.
//
// # Usage Example
//
//	v := validation.New()
//	payload, err := v.ValidatePayload(body)
//	if err != nil {
//	    // Handle malformed JSON
//	}
//	if !payload.Result.Valid {
//	    for _, e := range payload.Result.Errors {
//	        fmt.Printf("%s: %s\n", e.Field, e.Message)
//	    }
//	}
package validation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"evalgo.org/mockcloud/models"
)

// Validator validates node payloads and complete node records.
type Validator struct {
	// structValidator runs the per-field tag rules
	structValidator *validator.Validate
}

// ValidationError represents a single validation error with field-level details.
type ValidationError struct {
	// Field is the name of the field that failed validation
	Field string `json:"field"`

	// Message describes why the validation failed
	Message string `json:"message"`

	// Value is the invalid value that caused the error (optional)
	Value interface{} `json:"value,omitempty"`
}

// ValidationResult represents the complete result of a validation operation.
type ValidationResult struct {
	// Valid is true if validation passed, false otherwise
	Valid bool `json:"valid"`

	// Errors contains all validation errors found (empty if Valid is true)
	Errors []ValidationError `json:"errors,omitempty"`
}

// Payload is a validated create payload.
type Payload struct {
	// Record holds the recognized fields, decoded. Nil when the result is invalid.
	Record *models.NodeRecord

	// Dropped lists unrecognized keys, sorted
	Dropped []string

	Result *ValidationResult
}

type fieldKind int

const (
	kindString fieldKind = iota
	kindInt
	kindDisks
	kindNICs
	kindBootParams
)

// Rule is the schema entry for one sysinfo key.
type Rule struct {
	Kind     fieldKind
	Required bool
	Tag      string
}

var (
	simpleStringRe  = regexp.MustCompile(`^[A-Za-z0-9 _.,:;()/+@#=-]+$`)
	sdcVersionRe    = regexp.MustCompile(`^[0-9]+\.[0-9]+$`)
	platformStampRe = regexp.MustCompile(`^[0-9]{8}T[0-9]{6}Z$`)
	epochSecondsRe  = regexp.MustCompile(`^[0-9]+$`)
)

// Schema maps every recognized sysinfo key to its rule. Required applies to
// complete records only; create payloads may omit anything.
var Schema = map[string]Rule{
	"UUID":               {Kind: kindString, Required: true, Tag: "uuid"},
	"Hostname":           {Kind: kindString, Required: true, Tag: "hostname_rfc1123"},
	"Boot Time":          {Kind: kindString, Required: true, Tag: "epochsecs"},
	"System Type":        {Kind: kindString, Required: true, Tag: "sunos"},
	"SDC Version":        {Kind: kindString, Required: true, Tag: "sdcversion"},
	"Live Image":         {Kind: kindString, Required: true, Tag: "platformstamp"},
	"Datacenter Name":    {Kind: kindString, Required: true, Tag: "simplestr"},
	"Manufacturer":       {Kind: kindString, Required: true, Tag: "simplestr"},
	"Product":            {Kind: kindString, Tag: "simplestr"},
	"Serial Number":      {Kind: kindString, Tag: "simplestr"},
	"CPU Type":           {Kind: kindString, Tag: "simplestr"},
	"CPU Virtualization": {Kind: kindString, Tag: "simplestr"},
	"Hardware Profile":   {Kind: kindString, Tag: "simplestr"},
	"CPU Physical Cores": {Kind: kindInt, Tag: "min=1"},
	"CPU Total Cores":    {Kind: kindInt, Required: true, Tag: "min=1"},
	"MiB of Memory":      {Kind: kindInt, Required: true, Tag: "min=1"},
	"Mock Index":         {Kind: kindInt, Tag: "min=0,max=65535"},
	"Disks":              {Kind: kindDisks},
	"Network Interfaces": {Kind: kindNICs, Required: true},
	"Boot Parameters":    {Kind: kindBootParams},
}

// New creates a new Validator with the node field rules registered.
func New() *Validator {
	v := validator.New()
	mustRegister(v, "simplestr", simpleStringRe)
	mustRegister(v, "sdcversion", sdcVersionRe)
	mustRegister(v, "platformstamp", platformStampRe)
	mustRegister(v, "epochsecs", epochSecondsRe)
	if err := v.RegisterValidation("sunos", func(fl validator.FieldLevel) bool {
		return fl.Field().String() == "SunOS"
	}); err != nil {
		panic(err)
	}
	return &Validator{structValidator: v}
}

func mustRegister(v *validator.Validate, tag string, re *regexp.Regexp) {
	if err := v.RegisterValidation(tag, func(fl validator.FieldLevel) bool {
		return re.MatchString(fl.Field().String())
	}); err != nil {
		panic(err)
	}
}

// ValidatePayload validates a raw create payload. Every recognized key is
// checked; all failures are collected rather than stopping at the first one.
// Malformed JSON is reported as a failure on the "document" field.
func (v *Validator) ValidatePayload(data []byte) (*Payload, error) {
	var raw map[string]json.RawMessage
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil || raw == nil {
		msg := "document must be a JSON object"
		if err != nil {
			msg = fmt.Sprintf("Invalid JSON: %v", err)
		}
		return &Payload{Result: &ValidationResult{
			Valid:  false,
			Errors: []ValidationError{{Field: "document", Message: msg}},
		}}, nil
	}

	kept, dropped, errs := v.checkFields(raw, false)
	if nicRaw, ok := kept["Network Interfaces"]; ok {
		errs = append(errs, rejectSuppliedMACs(nicRaw)...)
	}
	if idx, ok := kept["Mock Index"]; ok {
		errs = append(errs, ValidationError{
			Field:   "Mock Index",
			Message: "Mock Index is allocated by the identity ledger and cannot be supplied",
			Value:   string(idx),
		})
	}

	p := &Payload{Dropped: dropped}
	if len(errs) > 0 {
		p.Result = &ValidationResult{Valid: false, Errors: errs}
		return p, nil
	}

	rec, err := decodeRecord(kept)
	if err != nil {
		return nil, err
	}
	p.Record = rec
	p.Result = &ValidationResult{Valid: true}
	return p, nil
}

// ValidateRecord checks a complete node record: every required field must be
// present and every present field must pass its rule.
func (v *Validator) ValidateRecord(rec *models.NodeRecord) *ValidationResult {
	data, err := json.Marshal(rec)
	if err != nil {
		return &ValidationResult{Errors: []ValidationError{{Field: "document", Message: err.Error()}}}
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return &ValidationResult{Errors: []ValidationError{{Field: "document", Message: err.Error()}}}
	}

	_, _, errs := v.checkFields(raw, true)
	if _, nic, ok := rec.AdminNIC(); ok && nic.MACAddress == "" {
		errs = append(errs, ValidationError{Field: "Network Interfaces", Message: "admin NIC has no MAC Address"})
	}
	return &ValidationResult{Valid: len(errs) == 0, Errors: errs}
}

// checkFields validates recognized keys and returns the kept (normalized) raw
// values, the dropped key names and the collected errors.
func (v *Validator) checkFields(raw map[string]json.RawMessage, complete bool) (map[string]json.RawMessage, []string, []ValidationError) {
	kept := make(map[string]json.RawMessage, len(raw))
	var dropped []string
	var errs []ValidationError

	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		rule, ok := Schema[key]
		if !ok {
			dropped = append(dropped, key)
			continue
		}
		norm, fieldErrs := v.checkField(key, rule, raw[key])
		if len(fieldErrs) > 0 {
			errs = append(errs, fieldErrs...)
			continue
		}
		kept[key] = norm
	}

	if complete {
		required := make([]string, 0)
		for key, rule := range Schema {
			if rule.Required {
				required = append(required, key)
			}
		}
		sort.Strings(required)
		for _, key := range required {
			if _, present := raw[key]; !present {
				errs = append(errs, ValidationError{Field: key, Message: fmt.Sprintf("%s is required", key)})
			}
		}
	}

	return kept, dropped, errs
}

func (v *Validator) checkField(key string, rule Rule, raw json.RawMessage) (json.RawMessage, []ValidationError) {
	switch rule.Kind {
	case kindString:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, []ValidationError{{Field: key, Message: "must be a string", Value: string(raw)}}
		}
		if err := v.structValidator.Var(s, "required,"+rule.Tag); err != nil {
			return nil, []ValidationError{{Field: key, Message: tagMessage(rule.Tag), Value: s}}
		}
		return raw, nil

	case kindInt:
		n, err := parseInt(raw)
		if err != nil {
			return nil, []ValidationError{{Field: key, Message: "must be an integer", Value: string(raw)}}
		}
		if err := v.structValidator.Var(n, rule.Tag); err != nil {
			return nil, []ValidationError{{Field: key, Message: tagMessage(rule.Tag), Value: n}}
		}
		return json.RawMessage(strconv.Itoa(n)), nil

	case kindDisks:
		var disks map[string]*models.Disk
		if err := json.Unmarshal(raw, &disks); err != nil {
			return nil, []ValidationError{{Field: key, Message: "must be an object of disks", Value: string(raw)}}
		}
		var errs []ValidationError
		for name, d := range disks {
			field := fmt.Sprintf("%s.%s", key, name)
			if err := v.structValidator.Var(name, "simplestr"); err != nil {
				errs = append(errs, ValidationError{Field: field, Message: "disk name " + tagMessage("simplestr")})
			}
			if d == nil {
				errs = append(errs, ValidationError{Field: field, Message: "disk must be an object"})
				continue
			}
			if d.SizeGB < 0 {
				errs = append(errs, ValidationError{Field: field + ".Size in GB", Message: "cannot be negative", Value: d.SizeGB})
			}
		}
		return raw, errs

	case kindNICs:
		var nics map[string]*models.NicRecord
		if err := json.Unmarshal(raw, &nics); err != nil {
			return nil, []ValidationError{{Field: key, Message: "must be an object of interfaces", Value: string(raw)}}
		}
		var errs []ValidationError
		for name, nic := range nics {
			field := fmt.Sprintf("%s.%s", key, name)
			if err := v.structValidator.Var(name, "simplestr"); err != nil {
				errs = append(errs, ValidationError{Field: field, Message: "interface name " + tagMessage("simplestr")})
			}
			if nic == nil {
				continue
			}
			for _, tag := range nic.NICNames {
				if err := v.structValidator.Var(tag, "required,simplestr"); err != nil {
					errs = append(errs, ValidationError{Field: field + ".NIC Names", Message: tagMessage("simplestr"), Value: tag})
				}
			}
			if nic.MACAddress != "" {
				if err := v.structValidator.Var(nic.MACAddress, "mac"); err != nil {
					errs = append(errs, ValidationError{Field: field + ".MAC Address", Message: tagMessage("mac"), Value: nic.MACAddress})
				}
			}
			if nic.IP4Addr != "" {
				if err := v.structValidator.Var(nic.IP4Addr, "ipv4"); err != nil {
					errs = append(errs, ValidationError{Field: field + ".ip4addr", Message: tagMessage("ipv4"), Value: nic.IP4Addr})
				}
			}
		}
		return raw, errs

	case kindBootParams:
		var params map[string]string
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, []ValidationError{{Field: key, Message: "must be an object of string values", Value: string(raw)}}
		}
		return raw, nil
	}

	return nil, []ValidationError{{Field: key, Message: "unsupported field"}}
}

// rejectSuppliedMACs reports MAC addresses in a create payload; they are
// always derived from the ledger.
func rejectSuppliedMACs(raw json.RawMessage) []ValidationError {
	var nics map[string]*models.NicRecord
	if err := json.Unmarshal(raw, &nics); err != nil {
		return nil
	}
	var errs []ValidationError
	names := make([]string, 0, len(nics))
	for name := range nics {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if nic := nics[name]; nic != nil && nic.MACAddress != "" {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("Network Interfaces.%s.MAC Address", name),
				Message: "MAC Address is derived and cannot be supplied",
				Value:   nic.MACAddress,
			})
		}
	}
	return errs
}

func decodeRecord(kept map[string]json.RawMessage) (*models.NodeRecord, error) {
	data, err := json.Marshal(kept)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	var rec models.NodeRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode payload: %w", err)
	}
	return &rec, nil
}

// parseInt accepts JSON numbers and numeric strings, as sysinfo emits both.
func parseInt(raw json.RawMessage) (int, error) {
	var num json.Number
	if err := json.Unmarshal(raw, &num); err == nil {
		n, err := strconv.Atoi(num.String())
		if err != nil {
			return 0, err
		}
		return n, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(s))
}

func tagMessage(tag string) string {
	switch {
	case tag == "uuid":
		return "must be a UUID"
	case tag == "simplestr":
		return "must be a simple string"
	case tag == "sunos":
		return `must be "SunOS"`
	case tag == "sdcversion":
		return "must be a version like 7.0"
	case tag == "platformstamp":
		return "must be a platform stamp like 20231101T000000Z"
	case tag == "epochsecs":
		return "must be epoch seconds"
	case tag == "hostname_rfc1123":
		return "must be a valid hostname"
	case tag == "mac":
		return "must be a MAC address"
	case tag == "ipv4":
		return "must be an IPv4 address"
	case strings.HasPrefix(tag, "min="):
		return "must be an integer " + strings.Replace(strings.Replace(tag, "min=", ">= ", 1), ",max=", " and <= ", 1)
	}
	return "is invalid"
}

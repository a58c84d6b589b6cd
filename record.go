package ipqsdb

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/ipqsdb/ipqsdb-golang/internal/decoder"
)

// notAvailable is what unavailable string columns render as in the
// human-readable and JSON forms.
const notAvailable = "N/A"

// ConnectionType classifies the network an address belongs to.
type ConnectionType uint8

const (
	ConnectionResidential ConnectionType = iota
	ConnectionMobile
	ConnectionCorporate
	ConnectionDataCenter
	ConnectionEducation
	ConnectionUnknown
)

func (c ConnectionType) String() string {
	switch c {
	case ConnectionResidential:
		return "Residential"
	case ConnectionMobile:
		return "Mobile"
	case ConnectionCorporate:
		return "Corporate"
	case ConnectionDataCenter:
		return "Data Center"
	case ConnectionEducation:
		return "Education"
	default:
		return "Unknown"
	}
}

// AbuseVelocity is how quickly abuse has recently been observed from an
// address.
type AbuseVelocity uint8

const (
	AbuseVelocityNone AbuseVelocity = iota
	AbuseVelocityLow
	AbuseVelocityMedium
	AbuseVelocityHigh
)

func (v AbuseVelocity) String() string {
	switch v {
	case AbuseVelocityLow:
		return "low"
	case AbuseVelocityMedium:
		return "medium"
	case AbuseVelocityHigh:
		return "high"
	default:
		return "none"
	}
}

// Record is a decoded database record. It is a plain value: copying it
// clones it, and it stays valid after the Reader that produced it is
// closed. Accessors come in (value, ok) pairs where ok distinguishes a
// value the database carries from one that is absent, either because the
// database lacks the column or because the record stored no value.
type Record struct {
	raw      decoder.Record
	hasFlags bool
}

func newRecord(raw decoder.Record, header *decoder.Header) Record {
	return Record{
		raw:      raw,
		hasFlags: header.PackedFlags && header.PreludeSize > 0,
	}
}

func (r Record) flag(bit int) (bool, bool) {
	if !r.hasFlags {
		return false, false
	}
	return r.raw.Bit(bit), true
}

// IsProxy reports whether the address is a known proxy of any kind.
func (r Record) IsProxy() (bool, bool) { return r.flag(decoder.BitProxy) }

// IsVPN reports whether the address belongs to a VPN provider.
func (r Record) IsVPN() (bool, bool) { return r.flag(decoder.BitVPN) }

// IsTor reports whether the address is a Tor node.
func (r Record) IsTor() (bool, bool) { return r.flag(decoder.BitTor) }

// IsCrawler reports whether the address is a verified crawler.
func (r Record) IsCrawler() (bool, bool) { return r.flag(decoder.BitCrawler) }

// IsBot reports whether bot activity has been observed from the address.
func (r Record) IsBot() (bool, bool) { return r.flag(decoder.BitBot) }

// RecentAbuse reports whether abuse was recently observed from the
// address.
func (r Record) RecentAbuse() (bool, bool) { return r.flag(decoder.BitRecentAbuse) }

// IsBlacklisted reports whether the address is on the publisher's
// blacklist.
func (r Record) IsBlacklisted() (bool, bool) { return r.flag(decoder.BitBlacklisted) }

// IsPrivate reports whether the address is in private address space.
func (r Record) IsPrivate() (bool, bool) { return r.flag(decoder.BitPrivate) }

// IsMobile reports whether the address belongs to a mobile network.
func (r Record) IsMobile() (bool, bool) { return r.flag(decoder.BitMobile) }

// HasOpenPorts reports whether the address had open ports when scanned.
func (r Record) HasOpenPorts() (bool, bool) { return r.flag(decoder.BitOpenPorts) }

// IsHostingProvider reports whether the address belongs to a hosting
// provider.
func (r Record) IsHostingProvider() (bool, bool) { return r.flag(decoder.BitHostingProvider) }

// ActiveVPN reports whether the address is an active VPN exit.
func (r Record) ActiveVPN() (bool, bool) { return r.flag(decoder.BitActiveVPN) }

// ActiveTor reports whether the address is an active Tor exit.
func (r Record) ActiveTor() (bool, bool) { return r.flag(decoder.BitActiveTor) }

// PublicAccessPoint reports whether the address is a public access
// point, such as a cafe or library network.
func (r Record) PublicAccessPoint() (bool, bool) { return r.flag(decoder.BitPublicAccessPoint) }

// ConnectionType returns the connection classification of the address.
// Databases without packed flags, and reserved field values, report
// ConnectionUnknown.
func (r Record) ConnectionType() ConnectionType {
	if !r.hasFlags {
		return ConnectionUnknown
	}
	v := ConnectionType(r.raw.Field(decoder.BitConnectionType, 3))
	if v > ConnectionUnknown {
		return ConnectionUnknown
	}
	return v
}

// AbuseVelocity returns how quickly abuse has recently been observed
// from the address. Databases without packed flags report
// AbuseVelocityNone.
func (r Record) AbuseVelocity() AbuseVelocity {
	if !r.hasFlags {
		return AbuseVelocityNone
	}
	return AbuseVelocity(r.raw.Field(decoder.BitAbuseVelocity, 2))
}

func (r Record) stringColumn(name string) (string, bool) {
	col, ok := r.raw.Strings[name]
	if !ok || !col.OK {
		return "", false
	}
	return col.Value, true
}

// Country returns the two-letter country code of the address.
func (r Record) Country() (string, bool) { return r.stringColumn("country") }

// City returns the city of the address.
func (r Record) City() (string, bool) { return r.stringColumn("city") }

// Region returns the region or state of the address.
func (r Record) Region() (string, bool) { return r.stringColumn("region") }

// ISP returns the internet service provider of the address.
func (r Record) ISP() (string, bool) { return r.stringColumn("isp") }

// Organization returns the organization the address is registered to.
func (r Record) Organization() (string, bool) { return r.stringColumn("organization") }

// Timezone returns the IANA timezone of the address.
func (r Record) Timezone() (string, bool) { return r.stringColumn("timezone") }

// ASN returns the autonomous system number of the address. The publisher
// stores zero for addresses without one; zero is still reported as
// present, leaving the interpretation to the caller.
func (r Record) ASN() (uint64, bool) {
	v, ok := r.raw.Fixed["asn"]
	return uint64(v), ok
}

// Latitude returns the latitude of the address. The publisher stores
// 0.00 when the location is unknown.
func (r Record) Latitude() (float32, bool) {
	v, ok := r.raw.Fixed["latitude"]
	return math.Float32frombits(v), ok
}

// Longitude returns the longitude of the address. The publisher stores
// 0.00 when the location is unknown.
func (r Record) Longitude() (float32, bool) {
	v, ok := r.raw.Fixed["longitude"]
	return math.Float32frombits(v), ok
}

// FraudScore returns the fraud score at the given strictness level,
// 0 through 3. Higher strictness levels are more false-positive prone.
// Not every database build carries every level; absent levels report
// ok == false.
func (r Record) FraudScore(strictness int) (uint32, bool) {
	if strictness < 0 || strictness >= decoder.StrictnessLevels {
		return 0, false
	}
	if !r.raw.Present[strictness] {
		return 0, false
	}
	return r.raw.Scores[strictness], true
}

var booleanFields = []struct {
	name string
	bit  int
}{
	{"is_proxy", decoder.BitProxy},
	{"is_vpn", decoder.BitVPN},
	{"is_tor", decoder.BitTor},
	{"is_crawler", decoder.BitCrawler},
	{"is_bot", decoder.BitBot},
	{"recent_abuse", decoder.BitRecentAbuse},
	{"is_blacklisted", decoder.BitBlacklisted},
	{"is_private", decoder.BitPrivate},
	{"is_mobile", decoder.BitMobile},
	{"has_open_ports", decoder.BitOpenPorts},
	{"is_hosting_provider", decoder.BitHostingProvider},
	{"active_vpn", decoder.BitActiveVPN},
	{"active_tor", decoder.BitActiveTor},
	{"public_access_point", decoder.BitPublicAccessPoint},
}

// String renders the record as human-readable text, one field per line.
// Unavailable string columns render as N/A.
func (r Record) String() string {
	var b strings.Builder
	if r.hasFlags {
		for _, f := range booleanFields {
			fmt.Fprintf(&b, "%s: %t\n", f.name, r.raw.Bit(f.bit))
		}
		fmt.Fprintf(&b, "connection_type: %s\n", r.ConnectionType())
		fmt.Fprintf(&b, "abuse_velocity: %s\n", r.AbuseVelocity())
	}
	for _, name := range r.columnNames() {
		if col, ok := r.raw.Strings[name]; ok {
			value := notAvailable
			if col.OK {
				value = col.Value
			}
			fmt.Fprintf(&b, "%s: %s\n", name, value)
			continue
		}
		v := r.raw.Fixed[name]
		switch name {
		case "latitude", "longitude":
			fmt.Fprintf(&b, "%s: %.4f\n", name, math.Float32frombits(v))
		default:
			fmt.Fprintf(&b, "%s: %d\n", name, v)
		}
	}
	for level := 0; level < decoder.StrictnessLevels; level++ {
		if score, ok := r.FraudScore(level); ok {
			fmt.Fprintf(&b, "fraud_score_strictness_%d: %d\n", level, score)
		}
	}
	return b.String()
}

func (r Record) columnNames() []string {
	names := make([]string, 0, len(r.raw.Strings)+len(r.raw.Fixed))
	for name := range r.raw.Strings {
		names = append(names, name)
	}
	for name := range r.raw.Fixed {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// MarshalJSON implements json.Marshaler. The structured form carries
// every column the database has for the record; unavailable string
// columns are rendered as N/A, and only present fraud scores appear.
func (r Record) MarshalJSON() ([]byte, error) {
	m := make(map[string]any)
	if r.hasFlags {
		for _, f := range booleanFields {
			m[f.name] = r.raw.Bit(f.bit)
		}
		m["connection_type"] = r.ConnectionType().String()
		m["abuse_velocity"] = r.AbuseVelocity().String()
	}
	for name, col := range r.raw.Strings {
		if col.OK {
			m[name] = col.Value
		} else {
			m[name] = notAvailable
		}
	}
	for name, v := range r.raw.Fixed {
		switch name {
		case "latitude", "longitude":
			m[name] = math.Float32frombits(v)
		default:
			m[name] = v
		}
	}
	scores := make(map[string]uint32)
	for level := 0; level < decoder.StrictnessLevels; level++ {
		if score, ok := r.FraudScore(level); ok {
			scores[fmt.Sprintf("strictness_%d", level)] = score
		}
	}
	if len(scores) > 0 {
		m["fraud_scores"] = scores
	}
	return json.Marshal(m)
}

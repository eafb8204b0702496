package core

import (
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	"blockperf/pkg/errs"
)

// Parse converts a classified Record into its typed Event.
// Callers must have already classified ns into variant via Classify.
func Parse(rec Record, variant Variant) (Event, error) {
	switch variant {
	case VariantDownloadedHeader:
		return parseDownloadedHeader(rec)
	case VariantSendFetchRequest:
		return parseSendFetchRequest(rec)
	case VariantCompletedBlockFetch:
		return parseCompletedBlockFetch(rec)
	case VariantAddedToCurrentChain:
		return parseAdopted(rec, VariantAddedToCurrentChain)
	case VariantSwitchedToAFork:
		return parseAdopted(rec, VariantSwitchedToAFork)
	case VariantPeerStateChange:
		return parsePeerStateChange(rec)
	case VariantPeerCounters:
		return parsePeerCounters(rec)
	case VariantNodeRestarted:
		return Event{Variant: VariantNodeRestarted, At: rec.At}, nil
	default:
		return Event{}, errs.New(errs.KindParseError, fmt.Sprintf("unhandled variant %s", variant))
	}
}

func parseErr(ns, msg string) error {
	return errs.New(errs.KindParseError, fmt.Sprintf("%s: %s", ns, msg))
}

func parseDownloadedHeader(rec Record) (Event, error) {
	hash, err := stringField(rec.Data, "block")
	if err != nil {
		return Event{}, parseErr(rec.NS, err.Error())
	}
	blockNo, err := uintField(rec.Data, "blockNo")
	if err != nil {
		return Event{}, parseErr(rec.NS, err.Error())
	}
	slot, err := uintField(rec.Data, "slot")
	if err != nil {
		return Event{}, parseErr(rec.NS, err.Error())
	}
	_, remote, err := connectionIDFromField(rec.Data, "peer")
	if err != nil {
		return Event{}, parseErr(rec.NS, err.Error())
	}
	return Event{
		Variant:      VariantDownloadedHeader,
		At:           rec.At,
		BlockHash:    stripHashQuotes(hash),
		BlockNumber:  blockNo,
		Slot:         slot,
		PeerEndpoint: remote,
	}, nil
}

func parseSendFetchRequest(rec Record) (Event, error) {
	hash, err := stringField(rec.Data, "block")
	if err != nil {
		return Event{}, parseErr(rec.NS, err.Error())
	}
	_, remote, err := connectionIDFromField(rec.Data, "peer")
	if err != nil {
		return Event{}, parseErr(rec.NS, err.Error())
	}
	return Event{
		Variant:      VariantSendFetchRequest,
		At:           rec.At,
		BlockHash:    stripHashQuotes(hash),
		PeerEndpoint: remote,
	}, nil
}

func parseCompletedBlockFetch(rec Record) (Event, error) {
	hash, err := stringField(rec.Data, "block")
	if err != nil {
		return Event{}, parseErr(rec.NS, err.Error())
	}
	size, err := intField(rec.Data, "size")
	if err != nil {
		return Event{}, parseErr(rec.NS, err.Error())
	}
	_, remote, err := connectionIDFromField(rec.Data, "peer")
	if err != nil {
		return Event{}, parseErr(rec.NS, err.Error())
	}
	var delay time.Duration
	if secs, ok := rec.Data["delay"].(float64); ok {
		delay = time.Duration(secs * float64(time.Second))
	}
	return Event{
		Variant:      VariantCompletedBlockFetch,
		At:           rec.At,
		BlockHash:    stripHashQuotes(hash),
		BlockSize:    size,
		PeerEndpoint: remote,
		Delay:        delay,
	}, nil
}

func parseAdopted(rec Record, variant Variant) (Event, error) {
	hash, err := stringField(rec.Data, "block")
	if err != nil {
		return Event{}, parseErr(rec.NS, err.Error())
	}
	return Event{Variant: variant, At: rec.At, BlockHash: stripHashQuotes(hash)}, nil
}

func parsePeerCounters(rec Record) (Event, error) {
	idle, _ := intField(rec.Data, "idle")
	cold, _ := intField(rec.Data, "cold")
	warm, _ := intField(rec.Data, "warm")
	hot, _ := intField(rec.Data, "hot")
	return Event{Variant: VariantPeerCounters, At: rec.At, Idle: idle, Cold: cold, Warm: warm, Hot: hot}, nil
}

// directionOf infers direction from namespace substrings: ".Remote." ->
// Inbound, ".Local." -> Outbound, the status-change namespace -> Outbound.
// Any other namespace reaching here is a parse error.
func directionOf(ns string) (Direction, error) {
	switch {
	case ns == "Net.PeerSelection.Actions.StatusChanged":
		return Outbound, nil
	case strings.Contains(ns, ".Remote."):
		return Inbound, nil
	case strings.Contains(ns, ".Local."):
		return Outbound, nil
	default:
		return DirectionUnknown, parseErr(ns, "cannot infer direction")
	}
}

// remoteStateTable maps the tail of a connection-manager namespace to the
// resulting peer state (the local variants mirror the remote ones).
var remoteStateTable = map[string]PeerState{
	"DemotedToColdRemote":  StateCold,
	"DemotedToWarmRemote":  StateWarm,
	"PromotedToWarmRemote": StateWarm,
	"PromotedToHotRemote":  StateHot,
	"DemotedToColdLocal":   StateCold,
	"DemotedToWarmLocal":   StateWarm,
	"PromotedToWarmLocal":  StateWarm,
	"PromotedToHotLocal":   StateHot,
}

func parsePeerStateChange(rec Record) (Event, error) {
	if rec.NS == "Net.PeerSelection.Actions.StatusChanged" {
		return parseStatusChange(rec)
	}

	dir, err := directionOf(rec.NS)
	if err != nil {
		return Event{}, err
	}
	parts := strings.Split(rec.NS, ".")
	tail := parts[len(parts)-1]
	state, ok := remoteStateTable[tail]
	if !ok {
		return Event{}, parseErr(rec.NS, "unrecognised connection-manager transition")
	}
	local, remote, err := connectionIDFromField(rec.Data, "connectionId")
	if err != nil {
		return Event{}, parseErr(rec.NS, err.Error())
	}
	return Event{
		Variant:        VariantPeerStateChange,
		At:             rec.At,
		Direction:      dir,
		NewState:       state,
		LocalEndpoint:  local,
		RemoteEndpoint: remote,
	}, nil
}

// transitionToState maps the "<From>To<To>" token from a peerStatusChangeType
// string to the resulting new state.
var transitionToState = map[string]PeerState{
	"ColdToWarm":    StateWarm,
	"WarmToHot":     StateHot,
	"WarmToCooling": StateCooling,
	"HotToWarm":     StateWarm,
	"HotToCooling":  StateCooling,
	"CoolingToCold": StateCold,
}

var statusChangeJustRe = regexp.MustCompile(`^([A-Za-z]+)\s*\(Just\s+(\S+)\)\s+(\S+)\s*$`)
var statusChangeConnRe = regexp.MustCompile(`^([A-Za-z]+)\s*\(ConnectionId\s*\{\s*localAddress\s*=\s*([^,]+?),\s*remoteAddress\s*=\s*([^}]+?)\s*\}\)\s*$`)

func parseStatusChange(rec Record) (Event, error) {
	raw, err := stringField(rec.Data, "peerStatusChangeType")
	if err != nil {
		return Event{}, parseErr(rec.NS, err.Error())
	}
	raw = strings.TrimSpace(raw)

	var transition, localRaw, remoteRaw string
	if m := statusChangeJustRe.FindStringSubmatch(raw); m != nil {
		transition, localRaw, remoteRaw = m[1], m[2], m[3]
	} else if m := statusChangeConnRe.FindStringSubmatch(raw); m != nil {
		transition, localRaw, remoteRaw = m[1], m[2], m[3]
	} else {
		return Event{}, parseErr(rec.NS, "unrecognised peerStatusChangeType shape: "+raw)
	}

	state, ok := transitionToState[transition]
	if !ok {
		return Event{}, parseErr(rec.NS, "unrecognised transition "+transition)
	}

	local, err := parseAddrPortValidated(localRaw)
	if err != nil {
		return Event{}, parseErr(rec.NS, "invalid local address: "+err.Error())
	}
	remote, err := parseAddrPortValidated(remoteRaw)
	if err != nil {
		return Event{}, parseErr(rec.NS, "invalid remote address: "+err.Error())
	}

	return Event{
		Variant:        VariantPeerStateChange,
		At:             rec.At,
		Direction:      Outbound,
		NewState:       state,
		LocalEndpoint:  local,
		RemoteEndpoint: remote,
	}, nil
}

// stripHashQuotes removes one layer of surrounding literal double-quote
// characters from a chain-adoption block hash.
func stripHashQuotes(s string) string {
	if len(s) >= 2 && strings.HasPrefix(s, `"`) && strings.HasSuffix(s, `"`) {
		return s[1 : len(s)-1]
	}
	return s
}

// connectionIDFromField extracts (local, remote) endpoints from the named
// field of data, which may be the string shape or the object shape.
func connectionIDFromField(data map[string]interface{}, field string) (Endpoint, Endpoint, error) {
	raw, ok := data[field]
	if !ok {
		return Endpoint{}, Endpoint{}, fmt.Errorf("missing field %q", field)
	}
	switch v := raw.(type) {
	case string:
		return parseConnectionIDString(v)
	case map[string]interface{}:
		return parseConnectionIDObject(v)
	default:
		return Endpoint{}, Endpoint{}, fmt.Errorf("field %q has unsupported shape", field)
	}
}

func parseConnectionIDString(s string) (Endpoint, Endpoint, error) {
	idx := strings.IndexByte(s, ' ')
	if idx < 0 {
		return Endpoint{}, Endpoint{}, fmt.Errorf("connectionId %q missing separating space", s)
	}
	local, err := parseAddrPort(s[:idx])
	if err != nil {
		return Endpoint{}, Endpoint{}, fmt.Errorf("local half of connectionId: %w", err)
	}
	remote, err := parseAddrPort(s[idx+1:])
	if err != nil {
		return Endpoint{}, Endpoint{}, fmt.Errorf("remote half of connectionId: %w", err)
	}
	return local, remote, nil
}

func parseConnectionIDObject(m map[string]interface{}) (Endpoint, Endpoint, error) {
	local, err := endpointFromAddrObject(m, "localAddress")
	if err != nil {
		return Endpoint{}, Endpoint{}, err
	}
	remote, err := endpointFromAddrObject(m, "remoteAddress")
	if err != nil {
		return Endpoint{}, Endpoint{}, err
	}
	return local, remote, nil
}

func endpointFromAddrObject(m map[string]interface{}, field string) (Endpoint, error) {
	raw, ok := m[field]
	if !ok {
		return Endpoint{}, fmt.Errorf("missing %q", field)
	}
	obj, ok := raw.(map[string]interface{})
	if !ok {
		return Endpoint{}, fmt.Errorf("%q has unsupported shape", field)
	}
	ip, ok := obj["address"].(string)
	if !ok {
		return Endpoint{}, fmt.Errorf("%q missing address", field)
	}
	port, err := intField(obj, "port")
	if err != nil {
		return Endpoint{}, fmt.Errorf("%q: %w", field, err)
	}
	if net.ParseIP(ip) == nil {
		return Endpoint{}, fmt.Errorf("%q address %q is not a valid IP", field, ip)
	}
	return Endpoint{IP: ip, Port: port}, nil
}

// parseAddrPort parses "<ipv6-in-brackets|ipv4>:<port>" without requiring
// the address half to validate as an IP; the connectionId string shape is
// trusted node output.
func parseAddrPort(s string) (Endpoint, error) {
	if strings.HasPrefix(s, "[") {
		end := strings.IndexByte(s, ']')
		if end < 0 {
			return Endpoint{}, fmt.Errorf("%q: unterminated bracketed IPv6 address", s)
		}
		ip := s[1:end]
		rest := s[end+1:]
		if !strings.HasPrefix(rest, ":") {
			return Endpoint{}, fmt.Errorf("%q: missing port after bracketed address", s)
		}
		port, err := strconv.Atoi(rest[1:])
		if err != nil {
			return Endpoint{}, fmt.Errorf("%q: invalid port: %w", s, err)
		}
		return Endpoint{IP: ip, Port: port}, nil
	}
	idx := strings.LastIndexByte(s, ':')
	if idx < 0 {
		return Endpoint{}, fmt.Errorf("%q: missing port", s)
	}
	ip := s[:idx]
	port, err := strconv.Atoi(s[idx+1:])
	if err != nil {
		return Endpoint{}, fmt.Errorf("%q: invalid port: %w", s, err)
	}
	return Endpoint{IP: ip, Port: port}, nil
}

// parseAddrPortValidated is parseAddrPort plus an IP-validity check, for
// the free-form peer status-change strings.
func parseAddrPortValidated(s string) (Endpoint, error) {
	ep, err := parseAddrPort(s)
	if err != nil {
		return Endpoint{}, err
	}
	if net.ParseIP(ep.IP) == nil {
		return Endpoint{}, fmt.Errorf("%q is not a valid IP", ep.IP)
	}
	return ep, nil
}

// FormatConnectionID serialises (local, remote) back into the string shape,
// bracketing IPv6 addresses. It is the inverse of parseConnectionIDString
// on well-formed input.
func FormatConnectionID(local, remote Endpoint) string {
	return formatAddrPort(local) + " " + formatAddrPort(remote)
}

func formatAddrPort(e Endpoint) string {
	if strings.Contains(e.IP, ":") {
		return fmt.Sprintf("[%s]:%d", e.IP, e.Port)
	}
	return fmt.Sprintf("%s:%d", e.IP, e.Port)
}

func stringField(data map[string]interface{}, field string) (string, error) {
	v, ok := data[field]
	if !ok {
		return "", fmt.Errorf("missing field %q", field)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("field %q is not a string", field)
	}
	return s, nil
}

func intField(data map[string]interface{}, field string) (int, error) {
	v, ok := data[field]
	if !ok {
		return 0, fmt.Errorf("missing field %q", field)
	}
	switch n := v.(type) {
	case float64:
		return int(n), nil
	case int:
		return n, nil
	default:
		return 0, fmt.Errorf("field %q is not numeric", field)
	}
}

func uintField(data map[string]interface{}, field string) (uint64, error) {
	n, err := intField(data, field)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("field %q must not be negative", field)
	}
	return uint64(n), nil
}

package transport

import (
	"context"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// netStateRegistered is the lowest network state counted as attached. The
// state table below it covers boot, beam search and downlink acquisition.
const netStateRegistered = 8

// cmdTable holds one family's concrete command verbs. The exchange grammar
// is shared; only the verbs differ between the legacy IDP family and OGx.
type cmdTable struct {
	family Family

	mobileID  string
	firmware  string
	gnssFix   string
	netInfo   string
	location  string
	eventMask string // format verb, mask appended
	eventsAct string
	moSubmit  string // format verb, "<len>,<hex>" appended
	moStatus  string // format verb, quoted id appended
	moDequeue string
	mtList    string
	mtGet     string
	mtDequeue string
	wakeup    string
	powerMode string
}

// atCommander implements Commander for one family over a raw Port.
type atCommander struct {
	port    Port
	tbl     cmdTable
	timeout time.Duration
}

func (c *atCommander) Family() Family { return c.tbl.family }

func (c *atCommander) send(ctx context.Context, cmd string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	resp, err := c.port.Send(ctx, cmd)
	if err != nil {
		return "", err
	}
	if reason, rejected := rejection(resp); rejected {
		if strings.Contains(reason, "NOT FOUND") {
			return "", fmt.Errorf("%s: %w", cmd, ErrNotFound)
		}
		return "", fmt.Errorf("%s: %s: %w", cmd, strings.ToLower(reason), ErrRejected)
	}
	return resp, nil
}

func (c *atCommander) Ping(ctx context.Context) error {
	_, err := c.send(ctx, "AT")
	return err
}

func (c *atCommander) MobileID(ctx context.Context) (string, error) {
	resp, err := c.send(ctx, c.tbl.mobileID)
	if err != nil {
		return "", err
	}
	return responseField(resp, prefixOf(c.tbl.mobileID))
}

func (c *atCommander) FirmwareVersion(ctx context.Context) (string, error) {
	resp, err := c.send(ctx, c.tbl.firmware)
	if err != nil {
		return "", err
	}
	return responseField(resp, prefixOf(c.tbl.firmware))
}

func (c *atCommander) GnssFix(ctx context.Context) (bool, error) {
	resp, err := c.send(ctx, c.tbl.gnssFix)
	if err != nil {
		return false, err
	}
	field, err := responseField(resp, prefixOf(c.tbl.gnssFix))
	if err != nil {
		return false, err
	}
	return field == "1", nil
}

func (c *atCommander) Registration(ctx context.Context) (bool, error) {
	info, err := c.NetInfo(ctx)
	if err != nil {
		return false, err
	}
	return info.Registered, nil
}

func (c *atCommander) NetInfo(ctx context.Context) (NetInfo, error) {
	resp, err := c.send(ctx, c.tbl.netInfo)
	if err != nil {
		return NetInfo{}, err
	}
	field, err := responseField(resp, prefixOf(c.tbl.netInfo))
	if err != nil {
		return NetInfo{}, err
	}
	// <state>,<fix>,<signal quality>,<snr centibels>
	parts := strings.Split(field, ",")
	if len(parts) < 4 {
		return NetInfo{}, &Error{Kind: KindMalformed, Msg: "netinfo: " + field}
	}
	state, _ := strconv.Atoi(strings.TrimSpace(parts[0]))
	fix := strings.TrimSpace(parts[1]) == "1"
	sq, _ := strconv.Atoi(strings.TrimSpace(parts[2]))
	snrC, _ := strconv.Atoi(strings.TrimSpace(parts[3]))
	return NetInfo{
		State:         state,
		Registered:    state >= netStateRegistered,
		GnssFix:       fix,
		SignalQuality: sq,
		SNR:           float64(snrC) / 100,
	}, nil
}

func (c *atCommander) Location(ctx context.Context) (Location, error) {
	resp, err := c.send(ctx, c.tbl.location)
	if err != nil {
		return Location{}, err
	}
	field, err := responseField(resp, prefixOf(c.tbl.location))
	if err != nil {
		return Location{}, err
	}
	// <fix>,<lat>,<lon>,<alt>,<speed>,<heading>,<unix>
	parts := strings.Split(field, ",")
	if len(parts) < 7 {
		return Location{}, &Error{Kind: KindMalformed, Msg: "location: " + field}
	}
	loc := Location{FixValid: strings.TrimSpace(parts[0]) == "1"}
	loc.Latitude, _ = strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	loc.Longitude, _ = strconv.ParseFloat(strings.TrimSpace(parts[2]), 64)
	loc.Altitude, _ = strconv.ParseFloat(strings.TrimSpace(parts[3]), 64)
	loc.Speed, _ = strconv.ParseFloat(strings.TrimSpace(parts[4]), 64)
	loc.Heading, _ = strconv.ParseFloat(strings.TrimSpace(parts[5]), 64)
	if ts, err := strconv.ParseInt(strings.TrimSpace(parts[6]), 10, 64); err == nil {
		loc.Timestamp = time.Unix(ts, 0).UTC()
	}
	return loc, nil
}

func (c *atCommander) SetEventMask(ctx context.Context, mask EventFlags) error {
	_, err := c.send(ctx, fmt.Sprintf("%s%d", c.tbl.eventMask, uint32(mask)))
	return err
}

func (c *atCommander) ActiveEvents(ctx context.Context) (EventFlags, error) {
	resp, err := c.send(ctx, c.tbl.eventsAct)
	if err != nil {
		return 0, err
	}
	field, err := responseField(resp, prefixOf(c.tbl.eventsAct))
	if err != nil {
		return 0, err
	}
	mask, err := strconv.ParseUint(strings.TrimSpace(field), 10, 32)
	if err != nil {
		return 0, &Error{Kind: KindMalformed, Msg: "event mask: " + field}
	}
	return EventFlags(mask), nil
}

func (c *atCommander) SubmitMO(ctx context.Context, payload []byte) (string, error) {
	cmd := fmt.Sprintf("%s%d,%s", c.tbl.moSubmit, len(payload), hex.EncodeToString(payload))
	resp, err := c.send(ctx, cmd)
	if err != nil {
		return "", err
	}
	field, err := responseField(resp, prefixOf(c.tbl.moSubmit))
	if err != nil {
		return "", err
	}
	id := unquote(field)
	if id == "" {
		return "", &Error{Kind: KindMalformed, Msg: "submit returned no message id"}
	}
	return id, nil
}

func (c *atCommander) MOStatus(ctx context.Context, id string) (MODisposition, error) {
	resp, err := c.send(ctx, fmt.Sprintf("%s%q", c.tbl.moStatus, id))
	if err != nil {
		return MOPending, err
	}
	field, err := responseField(resp, prefixOf(c.tbl.moStatus))
	if err != nil {
		return MOPending, err
	}
	// "<id>",<state>
	parts := strings.Split(field, ",")
	if len(parts) < 2 {
		return MOPending, &Error{Kind: KindMalformed, Msg: "mo status: " + field}
	}
	state, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return MOPending, &Error{Kind: KindMalformed, Msg: "mo status: " + field}
	}
	switch state {
	case moStateComplete:
		return MODelivered, nil
	case moStateFailed:
		return MOFailed, nil
	case moStateCancelled:
		return MOCancelled, nil
	default:
		return MOPending, nil
	}
}

// Modem-side MO state table. Values below complete are queue/transmit
// transients that all map to pending.
const (
	moStateComplete  = 6
	moStateFailed    = 7
	moStateCancelled = 8
)

func (c *atCommander) DequeueMO(ctx context.Context, id string) error {
	_, err := c.send(ctx, fmt.Sprintf("%s%q", c.tbl.moDequeue, id))
	return err
}

func (c *atCommander) ListMT(ctx context.Context) ([]MTEntry, error) {
	resp, err := c.send(ctx, c.tbl.mtList)
	if err != nil {
		return nil, err
	}
	prefix := prefixOf(c.tbl.mtList)
	var entries []MTEntry
	for _, line := range strings.Split(resp, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, prefix) {
			continue
		}
		field := strings.TrimSpace(strings.TrimPrefix(line, prefix))
		// "<id>",<size>
		parts := strings.Split(field, ",")
		if len(parts) < 2 {
			return nil, &Error{Kind: KindMalformed, Msg: "mt listing: " + field}
		}
		size, err := strconv.Atoi(strings.TrimSpace(parts[1]))
		if err != nil {
			return nil, &Error{Kind: KindMalformed, Msg: "mt listing: " + field}
		}
		entries = append(entries, MTEntry{ID: unquote(parts[0]), Size: size})
	}
	return entries, nil
}

func (c *atCommander) RetrieveMT(ctx context.Context, id string) ([]byte, error) {
	resp, err := c.send(ctx, fmt.Sprintf("%s%q", c.tbl.mtGet, id))
	if err != nil {
		return nil, err
	}
	field, err := responseField(resp, prefixOf(c.tbl.mtGet))
	if err != nil {
		return nil, err
	}
	// "<id>",<size>,<hex>
	parts := strings.Split(field, ",")
	if len(parts) < 3 {
		return nil, &Error{Kind: KindMalformed, Msg: "mt payload: " + field}
	}
	size, _ := strconv.Atoi(strings.TrimSpace(parts[1]))
	payload, err := hex.DecodeString(strings.TrimSpace(parts[2]))
	if err != nil {
		return nil, &Error{Kind: KindMalformed, Msg: "mt payload hex", Err: err}
	}
	if size != len(payload) {
		return nil, &Error{Kind: KindMalformed,
			Msg: fmt.Sprintf("mt payload size %d != declared %d", len(payload), size)}
	}
	return payload, nil
}

func (c *atCommander) DequeueMT(ctx context.Context, id string) error {
	_, err := c.send(ctx, fmt.Sprintf("%s%q", c.tbl.mtDequeue, id))
	return err
}

func (c *atCommander) Configure(ctx context.Context, wakeupPeriod, powerMode int) error {
	if _, err := c.send(ctx, fmt.Sprintf("%s%d", c.tbl.wakeup, wakeupPeriod)); err != nil {
		return err
	}
	_, err := c.send(ctx, fmt.Sprintf("%s%d", c.tbl.powerMode, powerMode))
	return err
}

// ============================================================================
// Response parsing
// ============================================================================

// rejection reports whether the response carries an ERROR terminator and
// returns the reason text, if any.
func rejection(resp string) (string, bool) {
	for _, line := range strings.Split(resp, "\n") {
		line = strings.TrimSpace(line)
		if line == "ERROR" {
			return "command invalid", true
		}
		if strings.HasPrefix(line, "ERROR:") {
			return strings.TrimSpace(strings.TrimPrefix(line, "ERROR:")), true
		}
	}
	return "", false
}

// responseField extracts the payload of the single response line carrying
// the given prefix (e.g. "%MGRS:").
func responseField(resp, prefix string) (string, error) {
	for _, line := range strings.Split(resp, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, prefix) {
			return strings.TrimSpace(strings.TrimPrefix(line, prefix)), nil
		}
	}
	return "", &Error{Kind: KindMalformed, Msg: "no " + prefix + " in response"}
}

// prefixOf derives the response prefix from a command verb:
// "AT%MGRS=" → "%MGRS:", "AT%MGFN" → "%MGFN:".
func prefixOf(verb string) string {
	v := strings.TrimPrefix(verb, "AT")
	v = strings.TrimRight(v, "=?")
	return v + ":"
}

func unquote(s string) string {
	return strings.Trim(strings.TrimSpace(s), `"`)
}

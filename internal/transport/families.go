package transport

import (
	"context"
	"strings"
	"time"
)

// NewIDP returns the Commander for the legacy IDP family command set.
func NewIDP(port Port, timeout time.Duration) Commander {
	return &atCommander{port: port, timeout: timeout, tbl: cmdTable{
		family:    FamilyIDP,
		mobileID:  "AT+GSN",
		firmware:  "AT+GMR",
		gnssFix:   "AT%GNSS?",
		netInfo:   "AT%NETINFO?",
		location:  "AT%GPS?",
		eventMask: "AT%EVMON=",
		eventsAct: "AT%EVSTATE?",
		moSubmit:  "AT%MGRT=",
		moStatus:  "AT%MGRS=",
		moDequeue: "AT%MGRD=",
		mtList:    "AT%MGFN",
		mtGet:     "AT%MGFG=",
		mtDequeue: "AT%MGFM=",
		wakeup:    "AT%WAKE=",
		powerMode: "AT%PWR=",
	}}
}

// NewOGx returns the Commander for the OGx family command set. The concept
// of operation matches IDP; only the verbs differ.
func NewOGx(port Port, timeout time.Duration) Commander {
	return &atCommander{port: port, timeout: timeout, tbl: cmdTable{
		family:    FamilyOGx,
		mobileID:  "AT+GSN",
		firmware:  "AT+GMR",
		gnssFix:   "AT%POSFIX?",
		netInfo:   "AT%NETSTAT?",
		location:  "AT%POS?",
		eventMask: "AT%EVMASK=",
		eventsAct: "AT%EVACT?",
		moSubmit:  "AT%MOSM=",
		moStatus:  "AT%MOST=",
		moDequeue: "AT%MODL=",
		mtList:    "AT%MTLS",
		mtGet:     "AT%MTRD=",
		mtDequeue: "AT%MTDL=",
		wakeup:    "AT%WAKEUP=",
		powerMode: "AT%PWRMODE=",
	}}
}

// Detect identifies the modem family from the ATI identification string and
// returns the matching Commander. OGx modems report an OGX product code;
// anything else answering ATI is treated as legacy IDP.
func Detect(ctx context.Context, port Port, timeout time.Duration) (Commander, error) {
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	resp, err := port.Send(sctx, "ATI")
	if err != nil {
		return nil, err
	}
	if strings.Contains(strings.ToUpper(resp), "OGX") {
		return NewOGx(port, timeout), nil
	}
	return NewIDP(port, timeout), nil
}

// ForFamily returns the Commander for an explicitly configured family name.
func ForFamily(name string, port Port, timeout time.Duration) Commander {
	if name == "ogx" {
		return NewOGx(port, timeout)
	}
	return NewIDP(port, timeout)
}

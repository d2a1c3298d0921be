// Package opslog renders the boot/applier operation-log taxonomy:
// (status, operation, initiator, ip, details=[{name,value}...]), one line
// per Changes apply or Initialization boot step, through internal/nlog.
/*
 * Copyright (c) 2026, SimQ Authors. All rights reserved.
 */
package opslog

import (
	"strings"

	"github.com/simqio/simq/internal/nlog"
)

type Initiator string

const (
	InitiatorRoot     Initiator = "ROOT"
	InitiatorGroup    Initiator = "GROUP"
	InitiatorConsumer Initiator = "CONSUMER"
	InitiatorProducer Initiator = "PRODUCER"
	InitiatorBoot     Initiator = "BOOT"
)

// Detail is one {name,value} pair rendered after the fixed fields.
type Detail struct {
	Name  string
	Value string
}

func D(name, value string) Detail { return Detail{Name: name, Value: value} }

func render(operation string, initiator Initiator, identity, ip string, details []Detail) string {
	var b strings.Builder
	b.WriteString("op=")
	b.WriteString(operation)
	b.WriteString(" initiator=")
	b.WriteString(string(initiator))
	if identity != "" {
		b.WriteString(" identity=")
		b.WriteString(identity)
	}
	if ip != "" {
		b.WriteString(" ip=")
		b.WriteString(ip)
	}
	for _, d := range details {
		b.WriteString(" ")
		b.WriteString(d.Name)
		b.WriteString("=")
		b.WriteString(d.Value)
	}
	return b.String()
}

// Success logs a successful operation.
func Success(operation string, initiator Initiator, identity, ip string, details ...Detail) {
	nlog.Infof("status=Success %s", render(operation, initiator, identity, ip, details))
}

// Fail logs a failed operation; err's description is appended as the
// trailing detail.
func Fail(operation string, initiator Initiator, identity, ip string, err error, details ...Detail) {
	details = append(details, D("error", err.Error()))
	nlog.Errorf("status=Fail %s", render(operation, initiator, identity, ip, details))
}

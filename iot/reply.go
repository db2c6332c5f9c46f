package iot

import (
	"strings"
)

// path markers telling the device where to send a command's outcome
const (
	CommandEndpoint         = "command"
	CommandResponseEndpoint = "command_response"
)

// addCommandToReply piggybacks a command on a reply. One-way commands are marked
// with the command endpoint and carry no request ID, request/response commands
// carry the response endpoint and the request ID. Commands delivered through a
// gateway additionally name tenant and target device.
func addCommandToReply(reply *Reply, cmd *Command) {
	reply.CommandName = cmd.Name
	if cmd.OneWay {
		reply.LocationPath = []string{CommandEndpoint}
	} else {
		reply.LocationPath = []string{CommandResponseEndpoint}
	}
	if cmd.TargetedAtGateway() {
		reply.CommandTargetDevice = cmd.DeviceID
		reply.LocationPath = append(reply.LocationPath, cmd.TenantID, cmd.DeviceID)
	}
	if !cmd.OneWay {
		reply.CommandRequestID = cmd.RequestID
		reply.LocationPath = append(reply.LocationPath, cmd.RequestID)
	}
	reply.ContentType = cmd.ContentType
	reply.Payload = cmd.Payload
}

// Location returns the location path as a single absolute path, or an empty
// string if the reply carries no command.
func (r Reply) Location() string {
	if len(r.LocationPath) == 0 {
		return ""
	}
	return "/" + strings.Join(r.LocationPath, "/")
}

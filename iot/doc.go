// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*Package iot provides the protocol independent core of a device bridge

Devices upload telemetry, events and command responses. The Adapter validates
each upload against the TenantGate, forwards it through a Sender and replies to
the device. A device may announce a time till disconnect (TTD) with an upload.
The adapter then opens a command subscription for the device and keeps the reply
open until either a command arrives or the waiting window expires. A Race
decides which of the two happened first; a winning command is piggybacked on the
reply, a losing one is released back to its transport.

Concrete transports live in the sub packages: http is the device front end,
kafka, mqtt and sqs are downstream fabrics, commands routes commands to waiting
devices and gate resolves tenants and devices from the registry.

*/
package iot

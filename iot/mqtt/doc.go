/*Package mqtt provides the MQTT broker back-end applications connect to

Applications receive the messages of their tenant's devices and send commands
to devices through the broker. An application's MQTT client ID is the tenant ID
it acts for. With TLS, the client ID must match the common name of the client
certificate.

The broker publishes downstream messages on the topics

	telemetry/{tenant_id}/{device_id}
	event/{tenant_id}/{device_id}
	command_response/{tenant_id}/{device_id}

Each message is a JSON envelope with the payload and its metadata:

	{
	  "tenant_id": "acme",
	  "device_id": "sensor-1",
	  "content_type": "application/json",
	  "ttd": 30,
	  "created_at": "2021-03-04T05:06:07Z",
	  "payload": "eyJ0ZW1wIjo1fQ=="
	}

Command responses additionally carry "correlation_id" and "status".

Commands

An application sends a command by publishing a JSON envelope to

	command/{tenant_id}/{device_id}

for example

	{
	  "name": "set_interval",
	  "correlation_id": "4711",
	  "response_required": true,
	  "content_type": "application/json",
	  "payload": "eyJpbnRlcnZhbCI6MTB9"
	}

The broker hands the command to the command router and does not forward the
message to other subscribers. The device's response, or the bridge's response
for a command which could not be delivered, is published on command_response.
*/
package mqtt

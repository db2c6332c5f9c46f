/*Package credentials issues X.509 client certificates for back-end applications

A back-end application connects to the MQTT broker of the bridge with a client
certificate. The broker only accepts a connection if the MQTT client ID equals
the common name of the certificate, and an application may only publish
commands for the tenant named by its client ID. The Authority therefore issues
certificates with the tenant ID as common name.

The management API exposes the authority as
	POST /tenants/{tenant}/credentials

The returned credentials are
	client_id:	the MQTT client ID, which is the tenant ID
	cert:		the X.509 certificate for the MQTT client
	key: 		the private key for the MQTT client
	ca_cert:	the certificate of the issuing authority

Credentials are not stored. Every request issues a new certificate.
*/
package credentials

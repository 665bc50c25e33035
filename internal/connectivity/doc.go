// Package connectivity watches the application origin and emits a
// reconnection signal when it becomes reachable again after an outage.
package connectivity

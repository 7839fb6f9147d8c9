// Package agent persists the launch target entity: the deployed token and
// sale contracts of one agent plus the durable flags that gate every
// distribution step. Flags only ever move from false to true, so repeated
// updates are no-ops.
package agent

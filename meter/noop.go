package meter

import "github.com/nm2tech/tokenmeter"

// NoopMeter is a meter that does nothing.
type NoopMeter struct{}

var _ tokenmeter.Meter = (*NoopMeter)(nil)

func (m *NoopMeter) OnSpend(tokenmeter.SpendEvent)   {}
func (m *NoopMeter) OnCredit(tokenmeter.CreditEvent) {}

package tracker

import core "fragbot/internal/plugin"

func (p *Plugin) Callbacks() []core.CallbackRoute {
	if p.ui == nil {
		return nil
	}
	return []core.CallbackRoute{p.ui.Route()}
}

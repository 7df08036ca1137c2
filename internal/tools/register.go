package tools

import (
	"github.com/insightpilot/insightpilot/internal/agent"
	"github.com/insightpilot/insightpilot/internal/sandbox"
)

// RegisterAll wires the canonical tool set into a registry.
func RegisterAll(registry *agent.ToolRegistry, source ContentSource, client *sandbox.Client, sampleLimit int) {
	registry.Register(NewFetchDatasetSample(source, sampleLimit))
	registry.Register(NewExecuteAnalysisCode(client, source))
	registry.Register(NewGenerateReportCode())
	registry.Register(NewPerformCalculation())
	registry.Register(NewAskUserClarification())
}

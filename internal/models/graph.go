package models

import "time"

// NodeType enumerates the kind of participant a ServiceNode represents.
type NodeType string

const (
	NodeTypeService        NodeType = "service"
	NodeTypeDatabase       NodeType = "database"
	NodeTypeCache          NodeType = "cache"
	NodeTypeQueue          NodeType = "queue"
	NodeTypeExternal       NodeType = "external"
	NodeTypeInfrastructure NodeType = "infrastructure"
)

// Tier enumerates a node's operational criticality tier.
type Tier string

const (
	TierCritical Tier = "critical"
	TierHigh     Tier = "high"
	TierMedium   Tier = "medium"
	TierLow      Tier = "low"
)

// ServiceNode is a participant in the dependency graph.
type ServiceNode struct {
	ID         string            `json:"id" yaml:"id"`
	Name       string            `json:"name" yaml:"name"`
	Type       NodeType          `json:"type" yaml:"type"`
	Tier       Tier              `json:"tier,omitempty" yaml:"tier,omitempty"`
	Team       string            `json:"team,omitempty" yaml:"team,omitempty"`
	Owner      string            `json:"owner,omitempty" yaml:"owner,omitempty"`
	Repository string            `json:"repository,omitempty" yaml:"repository,omitempty"`
	Tags       []string          `json:"tags,omitempty" yaml:"tags,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// EdgeType enumerates the kind of relation a DependencyEdge encodes.
type EdgeType string

const (
	EdgeTypeSync     EdgeType = "sync"
	EdgeTypeAsync    EdgeType = "async"
	EdgeTypeDatabase EdgeType = "database"
	EdgeTypeCache    EdgeType = "cache"
	EdgeTypeQueue    EdgeType = "queue"
	EdgeTypeExternal EdgeType = "external"
)

// Criticality enumerates how essential a dependency edge is to its source.
// Ordered strongest to weakest for the weakest-link aggregation rule:
// critical < degraded < optional (critical is the strongest link, optional
// the weakest).
type Criticality string

const (
	CriticalityCritical Criticality = "critical"
	CriticalityDegraded Criticality = "degraded"
	CriticalityOptional Criticality = "optional"
)

// criticalityRank orders Criticality from strongest (0) to weakest (2) so
// that aggregation can pick the weakest (max rank) of two values.
var criticalityRank = map[Criticality]int{
	CriticalityCritical: 0,
	CriticalityDegraded: 1,
	CriticalityOptional: 2,
}

// WeakerCriticality returns the weaker (more permissive) of two criticality
// values, per the weakest-link aggregation rule.
func WeakerCriticality(a, b Criticality) Criticality {
	ra, ok := criticalityRank[a]
	if !ok {
		ra = criticalityRank[CriticalityOptional]
	}
	rb, ok := criticalityRank[b]
	if !ok {
		rb = criticalityRank[CriticalityOptional]
	}
	if rb > ra {
		return b
	}
	return a
}

// EdgeSource enumerates the provenance of a DependencyEdge.
type EdgeSource string

const (
	EdgeSourceConfig     EdgeSource = "config"
	EdgeSourceManual     EdgeSource = "manual"
	EdgeSourceBackstage  EdgeSource = "backstage"
	EdgeSourceOTel       EdgeSource = "otel"
	EdgeSourceKubeLabels EdgeSource = "kube-labels"
	EdgeSourceInferred   EdgeSource = "inferred"
	EdgeSourceDiscovered EdgeSource = "discovered"
	EdgeSourceImport     EdgeSource = "import"
	EdgeSourceMCPImport  EdgeSource = "mcp-import"
)

// DependencyEdge is a directed relation source -> target within the graph.
type DependencyEdge struct {
	ID          string            `json:"id" yaml:"id,omitempty"`
	Source      string            `json:"source" yaml:"source"`
	Target      string            `json:"target" yaml:"target"`
	Type        EdgeType          `json:"type" yaml:"type"`
	Protocol    string            `json:"protocol,omitempty" yaml:"protocol,omitempty"`
	Criticality Criticality       `json:"criticality,omitempty" yaml:"criticality,omitempty"`
	EdgeSource  EdgeSource        `json:"edgeSource,omitempty" yaml:"edgeSource,omitempty"`
	Confidence  float64           `json:"confidence" yaml:"confidence,omitempty"`
	LastSeen    time.Time         `json:"lastSeen,omitempty" yaml:"lastSeen,omitempty"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// DependencyEdgeID computes the canonical, stable edge id for an ordered
// (source, target) pair.
func DependencyEdgeID(source, target string) string {
	return source + "->" + target
}

// ImpactPath is a single walk discovered by a graph traversal.
type ImpactPath struct {
	Source      string      `json:"source"`
	Affected    string      `json:"affected"`
	Path        []string    `json:"path"`
	Hops        int         `json:"hops"`
	Criticality Criticality `json:"criticality"`
	Confidence  float64     `json:"confidence"`
	EdgeSources []EdgeSource `json:"edgeSources"`
}

// RiskLevel enumerates the blast-radius risk classification.
type RiskLevel string

const (
	RiskLevelLow      RiskLevel = "low"
	RiskLevelMedium   RiskLevel = "medium"
	RiskLevelHigh     RiskLevel = "high"
	RiskLevelCritical RiskLevel = "critical"
)

// BlastRadiusPrediction is the result of analyzing upstream impact for a set
// of target services.
type BlastRadiusPrediction struct {
	DirectServices           []string       `json:"directServices"`
	DownstreamServices       []string       `json:"downstreamServices"`
	HighConfidenceDependents []string       `json:"highConfidenceDependents"`
	PossibleDependents       []string       `json:"possibleDependents"`
	CriticalPathAffected     bool           `json:"criticalPathAffected"`
	RiskLevel                RiskLevel      `json:"riskLevel"`
	ImpactPaths              []ImpactPath   `json:"impactPaths"`
	ConfidenceSummary        string         `json:"confidenceSummary"`
	Evidence                 []EvidenceLink `json:"evidence"`
	Rationale                []string       `json:"rationale"`
}

// GraphStats summarizes the shape of a ServiceGraph.
type GraphStats struct {
	NodeCount        int            `json:"nodeCount"`
	EdgeCount        int            `json:"edgeCount"`
	ByType           map[string]int `json:"byType"`
	ByTeam           map[string]int `json:"byTeam"`
	AverageOutDegree float64        `json:"averageOutDegree"`
	CriticalNodes    int            `json:"criticalNodes"`
}

// GraphExport is the wire shape produced by ServiceGraph.ToJSON / consumed
// by ServiceGraph.FromJSON and by the YAML graph config file.
type GraphExport struct {
	Services     []ServiceNode    `json:"services" yaml:"services"`
	Dependencies []DependencyEdge `json:"dependencies" yaml:"dependencies"`
}

package models

// BlastRadiusTier is the impact tier of a deployment.
type BlastRadiusTier string

const (
	TierCriticalInfrastructure BlastRadiusTier = "critical_infrastructure"
	TierBusinessCritical       BlastRadiusTier = "business_critical"
	TierProductivityTools      BlastRadiusTier = "productivity_tools"
	TierNonCritical            BlastRadiusTier = "non_critical"
)

// AllTiers lists every tier from widest to narrowest impact.
var AllTiers = []BlastRadiusTier{
	TierCriticalInfrastructure,
	TierBusinessCritical,
	TierProductivityTools,
	TierNonCritical,
}

// IsValid checks if the tier is one of the known values.
func (t BlastRadiusTier) IsValid() bool {
	switch t {
	case TierCriticalInfrastructure, TierBusinessCritical, TierProductivityTools, TierNonCritical:
		return true
	default:
		return false
	}
}

// BlastRadiusClass is the approval policy attached to a tier.
type BlastRadiusClass struct {
	Name                BlastRadiusTier `json:"name"`
	CABQuorum           int             `json:"cab_quorum"`
	AutoApproveAllowed  bool            `json:"auto_approve_allowed"`
	ExampleApplications []string        `json:"example_applications"`
}

var blastRadiusClasses = map[BlastRadiusTier]BlastRadiusClass{
	TierCriticalInfrastructure: {
		Name:                TierCriticalInfrastructure,
		CABQuorum:           3,
		AutoApproveAllowed:  false,
		ExampleApplications: []string{"endpoint protection", "vpn client", "pki agent", "identity provider"},
	},
	TierBusinessCritical: {
		Name:                TierBusinessCritical,
		CABQuorum:           2,
		AutoApproveAllowed:  true,
		ExampleApplications: []string{"erp client", "crm", "trading platform", "financial reporting"},
	},
	TierProductivityTools: {
		Name:                TierProductivityTools,
		CABQuorum:           1,
		AutoApproveAllowed:  true,
		ExampleApplications: []string{"office suite", "chat client", "web browser"},
	},
	TierNonCritical: {
		Name:                TierNonCritical,
		CABQuorum:           1,
		AutoApproveAllowed:  true,
		ExampleApplications: []string{"wallpaper pack", "font bundle", "utility"},
	},
}

// ClassFor returns the policy for a tier. ok is false for unknown tiers.
func ClassFor(tier BlastRadiusTier) (BlastRadiusClass, bool) {
	c, ok := blastRadiusClasses[tier]
	return c, ok
}

// Criticality is a business criticality rating.
type Criticality string

const (
	CriticalityLow    Criticality = "LOW"
	CriticalityMedium Criticality = "MEDIUM"
	CriticalityHigh   Criticality = "HIGH"
)

// Rank orders criticalities; unknown values rank lowest.
func (c Criticality) Rank() int {
	switch c {
	case CriticalityHigh:
		return 3
	case CriticalityMedium:
		return 2
	case CriticalityLow:
		return 1
	default:
		return 0
	}
}

// PrivilegeLevel is the privilege an installer requires.
type PrivilegeLevel string

const (
	PrivilegeNone   PrivilegeLevel = "none"
	PrivilegeUser   PrivilegeLevel = "user"
	PrivilegeAdmin  PrivilegeLevel = "admin"
	PrivilegeSystem PrivilegeLevel = "system"
	PrivilegeKernel PrivilegeLevel = "kernel"
)

// IsSystemLevel reports whether the level reaches system or kernel scope.
func (p PrivilegeLevel) IsSystemLevel() bool {
	return p == PrivilegeSystem || p == PrivilegeKernel
}

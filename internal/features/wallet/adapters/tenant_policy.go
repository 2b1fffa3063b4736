package adapters

import (
	"shipledger/internal/features/wallet/domain"

	"github.com/shopspring/decimal"
)

// StaticTenantPolicies resolves wallet policies from configuration: a set
// of auto-recharge tenants sharing one top-up amount. Everything else gets
// the default block-on-insufficient-funds behavior.
type StaticTenantPolicies struct {
	autoRecharge map[string]bool
	topUp        decimal.Decimal
}

// NewStaticTenantPolicies builds the provider from the configured tenant
// list and top-up amount.
func NewStaticTenantPolicies(autoRechargeTenants []string, topUp decimal.Decimal) *StaticTenantPolicies {
	enabled := make(map[string]bool, len(autoRechargeTenants))
	for _, t := range autoRechargeTenants {
		enabled[t] = true
	}
	return &StaticTenantPolicies{autoRecharge: enabled, topUp: topUp}
}

// PolicyFor returns the wallet policy for a tenant.
func (p *StaticTenantPolicies) PolicyFor(tenantID string) domain.TenantPolicy {
	return domain.TenantPolicy{
		AutoRecharge: p.autoRecharge[tenantID],
		TopUpAmount:  p.topUp,
	}
}

package accounting

import (
	"github.com/maxiofs/maxiofs/internal/quota"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus gauges exported for the metadata engine.
type Metrics struct {
	// Storage metrics
	BucketsTotal     prometheus.Gauge // maxiofs_buckets_total
	ObjectsTotal     prometheus.Gauge // maxiofs_objects_total
	StorageBytes     prometheus.Gauge // maxiofs_storage_bytes
	PurgeQueueLength prometheus.Gauge // maxiofs_purge_queue_length

	// Host metrics
	CPUUsagePercent  prometheus.Gauge // maxiofs_host_cpu_usage_percent
	MemoryUsedBytes  prometheus.Gauge // maxiofs_host_memory_used_bytes
	VolumeTotalBytes prometheus.Gauge // maxiofs_volume_total_bytes
	VolumeUsedBytes  prometheus.Gauge // maxiofs_volume_used_bytes

	// Tenant metrics
	TenantStorageBytes *prometheus.GaugeVec // maxiofs_tenant_storage_bytes{tenant}
	TenantQuotaBytes   *prometheus.GaugeVec // maxiofs_tenant_quota_bytes{tenant} (0 = unlimited)
	TenantQuotaUsedPct *prometheus.GaugeVec // maxiofs_tenant_quota_used_percent{tenant}
	TenantBuckets      *prometheus.GaugeVec // maxiofs_tenant_buckets{tenant}
	TenantAccessKeys   *prometheus.GaugeVec // maxiofs_tenant_access_keys{tenant}
}

// NewMetrics registers the gauges with registry, or the default registerer
// when nil.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	f := promauto.With(registry)
	return &Metrics{
		BucketsTotal: f.NewGauge(prometheus.GaugeOpts{
			Name: "maxiofs_buckets_total",
			Help: "Total number of buckets",
		}),
		ObjectsTotal: f.NewGauge(prometheus.GaugeOpts{
			Name: "maxiofs_objects_total",
			Help: "Total number of current objects",
		}),
		StorageBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "maxiofs_storage_bytes",
			Help: "Total bytes of current object versions",
		}),
		PurgeQueueLength: f.NewGauge(prometheus.GaugeOpts{
			Name: "maxiofs_purge_queue_length",
			Help: "Blobs whose metadata is gone but whose content awaits deletion",
		}),

		CPUUsagePercent: f.NewGauge(prometheus.GaugeOpts{
			Name: "maxiofs_host_cpu_usage_percent",
			Help: "Host CPU usage since the previous sample",
		}),
		MemoryUsedBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "maxiofs_host_memory_used_bytes",
			Help: "Host memory in use",
		}),
		VolumeTotalBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "maxiofs_volume_total_bytes",
			Help: "Capacity of the data volume",
		}),
		VolumeUsedBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "maxiofs_volume_used_bytes",
			Help: "Used bytes on the data volume",
		}),

		TenantStorageBytes: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "maxiofs_tenant_storage_bytes",
			Help: "Bytes stored per tenant",
		}, []string{"tenant"}),
		TenantQuotaBytes: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "maxiofs_tenant_quota_bytes",
			Help: "Storage quota per tenant in bytes (0 = unlimited)",
		}, []string{"tenant"}),
		TenantQuotaUsedPct: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "maxiofs_tenant_quota_used_percent",
			Help: "Percentage of the storage quota used per tenant",
		}, []string{"tenant"}),
		TenantBuckets: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "maxiofs_tenant_buckets",
			Help: "Buckets owned per tenant",
		}, []string{"tenant"}),
		TenantAccessKeys: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "maxiofs_tenant_access_keys",
			Help: "Access keys issued per tenant",
		}, []string{"tenant"}),
	}
}

// UpdateStorage updates the store-wide gauges.
func (m *Metrics) UpdateStorage(sm *StorageMetrics, purgeQueue int) {
	m.BucketsTotal.Set(float64(sm.TotalBuckets))
	m.ObjectsTotal.Set(float64(sm.TotalObjects))
	m.StorageBytes.Set(float64(sm.TotalSizeBytes))
	m.PurgeQueueLength.Set(float64(purgeQueue))
}

// UpdateHost updates the host gauges.
func (m *Metrics) UpdateHost(hs HostStats) {
	m.CPUUsagePercent.Set(hs.CPUUsagePercent)
	m.MemoryUsedBytes.Set(float64(hs.MemoryUsedBytes))
	m.VolumeTotalBytes.Set(float64(hs.DiskTotalBytes))
	m.VolumeUsedBytes.Set(float64(hs.DiskUsedBytes))
}

// UpdateTenants replaces the per-tenant gauges. Tenants missing from usages
// are dropped.
func (m *Metrics) UpdateTenants(usages []*quota.Usage) {
	m.TenantStorageBytes.Reset()
	m.TenantQuotaBytes.Reset()
	m.TenantQuotaUsedPct.Reset()
	m.TenantBuckets.Reset()
	m.TenantAccessKeys.Reset()

	for _, u := range usages {
		m.TenantStorageBytes.WithLabelValues(u.TenantID).Set(float64(u.CurrentStorageBytes))
		m.TenantQuotaBytes.WithLabelValues(u.TenantID).Set(float64(u.MaxStorageBytes))
		if u.MaxStorageBytes > 0 {
			m.TenantQuotaUsedPct.WithLabelValues(u.TenantID).Set(float64(u.CurrentStorageBytes) / float64(u.MaxStorageBytes) * 100)
		} else {
			m.TenantQuotaUsedPct.WithLabelValues(u.TenantID).Set(0)
		}
		m.TenantBuckets.WithLabelValues(u.TenantID).Set(float64(u.CurrentBuckets))
		m.TenantAccessKeys.WithLabelValues(u.TenantID).Set(float64(u.CurrentAccessKeys))
	}
}

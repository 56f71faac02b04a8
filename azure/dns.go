package azure

import (
	"context"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/arm"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	dns "github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/dns/armdns"
)

type recordSetsAPI interface {
	Get(ctx context.Context, resourceGroupName string, zoneName string, relativeRecordSetName string, recordType dns.RecordType, options *dns.RecordSetsClientGetOptions) (dns.RecordSetsClientGetResponse, error)
	CreateOrUpdate(ctx context.Context, resourceGroupName string, zoneName string, relativeRecordSetName string, recordType dns.RecordType, parameters dns.RecordSet, options *dns.RecordSetsClientCreateOrUpdateOptions) (dns.RecordSetsClientCreateOrUpdateResponse, error)
}

// DNSZone implements cdncert.DNSZone on Azure DNS.
type DNSZone struct {
	records recordSetsAPI
}

func NewDNSZone(subscriptionID string, cred azcore.TokenCredential, clientOpt policy.ClientOptions) (*DNSZone, error) {
	rc, err := dns.NewRecordSetsClient(subscriptionID, cred, &arm.ClientOptions{ClientOptions: clientOpt})
	if err != nil {
		return nil, fmt.Errorf("failed to create DNS record sets client: %w", err)
	}
	return &DNSZone{records: rc}, nil
}

// GetTXT returns the values of the first TXT record of the set.
func (z *DNSZone) GetTXT(ctx context.Context, resourceGroup, zone, name string) ([]string, error) {
	resp, err := z.records.Get(ctx, resourceGroup, zone, name, dns.RecordTypeTXT, nil)
	if err != nil {
		return nil, classify(err)
	}
	props := resp.RecordSet.Properties
	if props == nil || len(props.TxtRecords) == 0 || props.TxtRecords[0] == nil {
		return nil, nil
	}
	values := make([]string, 0, len(props.TxtRecords[0].Value))
	for _, v := range props.TxtRecords[0].Value {
		if v != nil {
			values = append(values, *v)
		}
	}
	return values, nil
}

// SetTXT replaces the record set with a single TXT record holding values.
func (z *DNSZone) SetTXT(ctx context.Context, resourceGroup, zone, name string, values []string, ttl int64) error {
	txt := &dns.TxtRecord{Value: make([]*string, 0, len(values))}
	for _, v := range values {
		txt.Value = append(txt.Value, to.Ptr(v))
	}
	set := dns.RecordSet{
		Properties: &dns.RecordSetProperties{
			TTL:        to.Ptr(ttl),
			TxtRecords: []*dns.TxtRecord{txt},
		},
	}
	_, err := z.records.CreateOrUpdate(ctx, resourceGroup, zone, name, dns.RecordTypeTXT, set, nil)
	return classify(err)
}

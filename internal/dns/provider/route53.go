package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/route53"
	"github.com/aws/aws-sdk-go-v2/service/route53/types"
	"github.com/jerkytreats/dnscert/internal/logging"
)

const defaultRoute53TTL = 60

type route53Config struct {
	AccessKey    string `mapstructure:"auth_access_key"`
	AccessSecret string `mapstructure:"auth_access_secret"`
	Region       string `mapstructure:"auth_region"`
	ZoneID       string `mapstructure:"zone_id"`
}

// route53API is the subset of the Route 53 client used here.
type route53API interface {
	ListHostedZonesByName(ctx context.Context, in *route53.ListHostedZonesByNameInput, optFns ...func(*route53.Options)) (*route53.ListHostedZonesByNameOutput, error)
	ListResourceRecordSets(ctx context.Context, in *route53.ListResourceRecordSetsInput, optFns ...func(*route53.Options)) (*route53.ListResourceRecordSetsOutput, error)
	ChangeResourceRecordSets(ctx context.Context, in *route53.ChangeResourceRecordSetsInput, optFns ...func(*route53.Options)) (*route53.ChangeResourceRecordSetsOutput, error)
}

// Route53 manages TXT records in an AWS Route 53 hosted zone. Several
// challenge values on one name share a single record set.
type Route53 struct {
	client route53API
	zoneID string
}

func newRoute53(options map[string]interface{}) (Provider, error) {
	var cfg route53Config
	if err := decodeOptions(options, &cfg); err != nil {
		return nil, err
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" || cfg.AccessSecret != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.AccessSecret, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	return &Route53{client: route53.NewFromConfig(awsCfg), zoneID: cfg.ZoneID}, nil
}

func (r *Route53) CreateRecord(ctx context.Context, rec Record) error {
	zoneID, err := r.zone(ctx, rec.Domain)
	if err != nil {
		return err
	}

	values, ttl, err := r.values(ctx, zoneID, rec.Name)
	if err != nil {
		return err
	}
	for _, v := range values {
		if v == rec.Content {
			logging.Debug("TXT value already present on %s", rec.Name)
			return nil
		}
	}
	if rec.TTL > 0 {
		ttl = int64(rec.TTL)
	}

	logging.Info("Upserting TXT record %s in Route 53 zone %s", rec.Name, zoneID)
	return r.change(ctx, zoneID, types.ChangeActionUpsert, rec.Name, ttl, append(values, rec.Content))
}

func (r *Route53) DeleteRecord(ctx context.Context, rec Record) error {
	zoneID, err := r.zone(ctx, rec.Domain)
	if err != nil {
		return err
	}

	values, ttl, err := r.values(ctx, zoneID, rec.Name)
	if err != nil {
		return err
	}

	remaining := make([]string, 0, len(values))
	for _, v := range values {
		if v != rec.Content {
			remaining = append(remaining, v)
		}
	}

	switch {
	case len(remaining) == len(values):
		logging.Debug("TXT value not present on %s, nothing to delete", rec.Name)
		return nil
	case len(remaining) == 0:
		logging.Info("Deleting TXT record %s from Route 53 zone %s", rec.Name, zoneID)
		return r.change(ctx, zoneID, types.ChangeActionDelete, rec.Name, ttl, values)
	default:
		return r.change(ctx, zoneID, types.ChangeActionUpsert, rec.Name, ttl, remaining)
	}
}

// values returns the unquoted TXT values and the TTL currently set on name.
func (r *Route53) values(ctx context.Context, zoneID, name string) ([]string, int64, error) {
	fqdn := unfqdn(name) + "."
	out, err := r.client.ListResourceRecordSets(ctx, &route53.ListResourceRecordSetsInput{
		HostedZoneId:    aws.String(zoneID),
		StartRecordName: aws.String(fqdn),
		StartRecordType: types.RRTypeTxt,
		MaxItems:        aws.Int32(1),
	})
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list record sets for %s: %w", name, err)
	}

	for _, set := range out.ResourceRecordSets {
		if !strings.EqualFold(aws.ToString(set.Name), fqdn) || set.Type != types.RRTypeTxt {
			continue
		}
		var values []string
		for _, rr := range set.ResourceRecords {
			values = append(values, strings.Trim(aws.ToString(rr.Value), `"`))
		}
		return values, aws.ToInt64(set.TTL), nil
	}
	return nil, defaultRoute53TTL, nil
}

func (r *Route53) change(ctx context.Context, zoneID string, action types.ChangeAction, name string, ttl int64, values []string) error {
	records := make([]types.ResourceRecord, 0, len(values))
	for _, v := range values {
		records = append(records, types.ResourceRecord{Value: aws.String(`"` + v + `"`)})
	}

	_, err := r.client.ChangeResourceRecordSets(ctx, &route53.ChangeResourceRecordSetsInput{
		HostedZoneId: aws.String(zoneID),
		ChangeBatch: &types.ChangeBatch{
			Comment: aws.String("ACME DNS-01 challenge"),
			Changes: []types.Change{{
				Action: action,
				ResourceRecordSet: &types.ResourceRecordSet{
					Name:            aws.String(unfqdn(name) + "."),
					Type:            types.RRTypeTxt,
					TTL:             aws.Int64(ttl),
					ResourceRecords: records,
				},
			}},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to %s TXT record %s: %w", strings.ToLower(string(action)), name, err)
	}
	return nil
}

// zone returns the configured hosted zone, else the public zone whose name
// is the longest suffix of domain.
func (r *Route53) zone(ctx context.Context, domain string) (string, error) {
	if r.zoneID != "" {
		return r.zoneID, nil
	}

	fqdn := strings.ToLower(unfqdn(domain)) + "."
	out, err := r.client.ListHostedZonesByName(ctx, &route53.ListHostedZonesByNameInput{})
	if err != nil {
		return "", fmt.Errorf("failed to list hosted zones: %w", err)
	}

	var best types.HostedZone
	for _, zone := range out.HostedZones {
		name := strings.ToLower(aws.ToString(zone.Name))
		if zone.Config != nil && zone.Config.PrivateZone {
			continue
		}
		if fqdn != name && !strings.HasSuffix(fqdn, "."+name) {
			continue
		}
		if len(name) > len(aws.ToString(best.Name)) {
			best = zone
		}
	}

	if best.Id == nil {
		return "", fmt.Errorf("no Route 53 hosted zone found for %s", domain)
	}
	return strings.TrimPrefix(aws.ToString(best.Id), "/hostedzone/"), nil
}

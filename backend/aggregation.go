package backend

import (
	"fmt"

	"sigmac/detect"
)

// AggregationQueries are the artifacts needed to alert on aggregated
// buckets: the aggregation body, a painless trigger condition, and a
// bucket-selector trigger query.
type AggregationQueries struct {
	Name         string `json:"name" msgpack:"name"`
	Function     string `json:"function" msgpack:"function"`
	GroupByField string `json:"group_by_field" msgpack:"group_by_field"`
	MetricField  string `json:"metric_field,omitempty" msgpack:"metric_field,omitempty"`
	// BucketAlias is the buckets_path key the trigger script reads.
	BucketAlias   string `json:"bucket_alias" msgpack:"bucket_alias"`
	AggQuery      string `json:"agg_query" msgpack:"agg_query"`
	TriggerScript string `json:"trigger_script" msgpack:"trigger_script"`
	TriggerQuery  string `json:"trigger_query" msgpack:"trigger_query"`
	TriggerID     string `json:"trigger_id" msgpack:"trigger_id"`
}

// convertAggregation builds the aggregation artifacts. Group and metric
// fields are finalised like filter fields so both address the same index
// field.
func (b *Backend) convertAggregation(ctx *compileContext, agg *detect.AggregationSpec) (*AggregationQueries, error) {
	d := b.dialect
	group := IndexField
	if agg.GroupByField != "" {
		group = ctx.finalField(agg.GroupByField)
	}

	q := &AggregationQueries{
		Name:         d.AggregationName,
		Function:     agg.Function,
		GroupByField: group,
	}
	switch agg.Function {
	case detect.AggCount:
		q.BucketAlias = CountAlias
		q.AggQuery = fmt.Sprintf(d.AggCountQuery, d.AggregationName, group)
	case detect.AggSum, detect.AggMin, detect.AggMax, detect.AggAvg:
		target := ctx.finalField(agg.TargetField)
		q.BucketAlias = target
		q.MetricField = target
		q.AggQuery = fmt.Sprintf(d.AggQuery, d.AggregationName, group, target, agg.Function, target)
	default:
		return nil, &detect.AggregationError{Function: agg.Function, Reason: "aggregation function not supported by the backend"}
	}

	threshold := agg.Threshold.String()
	q.TriggerScript = fmt.Sprintf(d.BucketTriggerScript, q.BucketAlias, agg.Comparator, threshold)
	q.TriggerQuery = fmt.Sprintf(d.BucketTriggerQuery,
		q.BucketAlias, q.BucketAlias, d.AggregationName, q.BucketAlias, agg.Comparator, threshold)
	q.TriggerID = b.opts.TriggerID()
	return q, nil
}

package topicpoller

import "encoding/json"

const accessPolicyVersion = "2012-10-17"

type accessPolicy struct {
	Version   string            `json:"Version"`
	Statement []policyStatement `json:"Statement"`
}

type policyStatement struct {
	Sid       string                         `json:"Sid"`
	Effect    string                         `json:"Effect"`
	Principal map[string]string              `json:"Principal"`
	Action    string                         `json:"Action"`
	Resource  string                         `json:"Resource"`
	Condition map[string]map[string][]string `json:"Condition"`
}

func sendMessageStatement(sid, queueARN string, sourceARNs []string) policyStatement {
	return policyStatement{
		Sid:       sid,
		Effect:    "Allow",
		Principal: map[string]string{"AWS": "*"},
		Action:    "SQS:SendMessage",
		Resource:  queueARN,
		Condition: map[string]map[string][]string{
			"ArnEquals": {"aws:SourceArn": sourceARNs},
		},
	}
}

// buildAccessPolicy returns the queue policy allowing the given topics and buckets
// to deliver into the queue. ok is false when there is nothing to allow.
func buildAccessPolicy(queueARN string, topicARNs, bucketARNs []string) (doc string, ok bool, err error) {
	policy := accessPolicy{Version: accessPolicyVersion}
	if len(topicARNs) > 0 {
		policy.Statement = append(policy.Statement, sendMessageStatement("sns", queueARN, topicARNs))
	}
	if len(bucketARNs) > 0 {
		policy.Statement = append(policy.Statement, sendMessageStatement("s3", queueARN, bucketARNs))
	}
	if len(policy.Statement) == 0 {
		return "", false, nil
	}
	b, err := json.Marshal(policy)
	if err != nil {
		return "", false, err
	}
	return string(b), true, nil
}

func bucketARN(bucket string) string {
	return "arn:aws:s3:::" + bucket
}

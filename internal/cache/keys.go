package cache

import "fmt"

// Key prefixes for the cached lookups the hub performs most often.
const (
	PrefixAccount       = "account"
	PrefixTopicRelation = "topicrel"
	PrefixDeviceType    = "devicetype"
)

// AccountKey addresses the cached AccountRow for accountID.
func AccountKey(accountID string) string {
	return fmt.Sprintf("%s:%s", PrefixAccount, accountID)
}

// TopicRelationKey addresses the cached bool for (accountID, topicID).
func TopicRelationKey(accountID, topicID string) string {
	return fmt.Sprintf("%s:%s:%s", PrefixTopicRelation, accountID, topicID)
}

// DeviceTypeRelationKey addresses the cached bool for (accountID, deviceTypeID).
func DeviceTypeRelationKey(accountID, deviceTypeID string) string {
	return fmt.Sprintf("%s:%s:%s", PrefixDeviceType, accountID, deviceTypeID)
}

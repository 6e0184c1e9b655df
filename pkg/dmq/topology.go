package dmq

import "fmt"

// Exchange kinds used by the platform. Business exchanges are topic exchanges;
// the dead-letter exchange is direct.
const (
	ExchangeKindTopic  = "topic"
	ExchangeKindDirect = "direct"
)

// Exchange names (wire-level contract).
const (
	HeartbeatExchange    = "heartbeat_exchange"
	AuthExchange         = "auth_exchange"
	EventsExchange       = "events-exchange"
	DonationExchange     = "donation_exchange"
	CampaignExchange     = "campaign_exchange"
	VerificationExchange = "verification_exchange"
	NotificationExchange = "notification_exchange"
	BlockchainExchange   = "blockchain_exchange"
	DeadLetterExchange   = "dl_exchange"
)

// Routing keys / event types (wire-level contract).
const (
	DonationCreatedKey   = "donation.created"
	DonationProcessedKey = "donation.processed"
	DonationRefundKey    = "donation.refund"

	CampaignCreatedKey     = "campaign.created"
	CampaignUpdatedKey     = "campaign.updated"
	CampaignClosedKey      = "campaign.closed"
	CampaignGoalReachedKey = "campaign.goal.reached"

	VerificationRequestedKey = "verification.requested"
	VerificationCompletedKey = "verification.completed"
	VerificationApprovedKey  = "verification.approved"
	VerificationRejectedKey  = "verification.rejected"

	NotificationEmailKey = "notification.email"
	NotificationSMSKey   = "notification.sms"

	BlockchainTransactionKey  = "blockchain.transaction"
	BlockchainConfirmationKey = "blockchain.confirmation"
)

// Queue names. Flat addressing throughout - queues are always referenced by
// their full broker name.
const (
	DonationNewQueue    = "donation.new"
	DonationStatusQueue = "donation.status"
	DonationRefundQueue = "donation.refund"

	CampaignDonationCreatedQueue      = "campaign.donation.created"
	CampaignDonationProcessedQueue    = "campaign.donation.processed"
	CampaignVerificationApprovedQueue = "campaign.verification.approved"
	CampaignVerificationRejectedQueue = "campaign.verification.rejected"

	VerificationRequestsQueue = "verification.requests"

	NotificationEmailQueue          = "notification.email"
	NotificationSMSQueue            = "notification.sms"
	NotificationCampaignEventsQueue = "notification.campaign.events"

	BlockchainConfirmationsQueue = "blockchain.confirmations"
	BlockchainTransactionsQueue  = "blockchain.transactions"

	AuthEventsQueue       = "auth.events"
	HeartbeatMonitorQueue = "heartbeat.monitor"
	EventsAuditQueue      = "events.audit"
	DeadLettersQueue      = "dead.letters"
)

// DeadRoutingKey returns the dead-letter routing key convention for a binding key.
func DeadRoutingKey(bindingKey string) string {
	return bindingKey + ".dead"
}

// Exchange describes a single exchange declaration.
type Exchange struct {
	Name    string `json:"Name" yaml:"Name"`
	Kind    string `json:"Kind" yaml:"Kind"`
	Durable bool   `json:"Durable" yaml:"Durable"`
}

// Queue describes a single queue declaration together with its binding.
type Queue struct {
	Name       string `json:"Name" yaml:"Name"`
	Durable    bool   `json:"Durable" yaml:"Durable"`
	Exchange   string `json:"Exchange" yaml:"Exchange"`
	BindingKey string `json:"BindingKey" yaml:"BindingKey"`

	DeadLetterExchange   string `json:"DeadLetterExchange,omitempty" yaml:"DeadLetterExchange,omitempty"`
	DeadLetterRoutingKey string `json:"DeadLetterRoutingKey,omitempty" yaml:"DeadLetterRoutingKey,omitempty"`
}

// TopologyConfig is the static declarative topology, loaded at process start
// and immutable for the process lifetime.
type TopologyConfig struct {
	Exchanges []*Exchange `json:"Exchanges" yaml:"Exchanges"`
	Queues    []*Queue    `json:"Queues" yaml:"Queues"`
}

// Validate checks referential integrity: every queue's exchange must be
// declared, and every referenced dead-letter exchange must be declared as a
// direct exchange.
func (tc *TopologyConfig) Validate() error {
	kinds := make(map[string]string, len(tc.Exchanges))
	for _, exchange := range tc.Exchanges {
		if exchange.Name == "" {
			return &TopologyDeclarationError{Entity: "exchange", Name: exchange.Name, Err: fmt.Errorf("exchange name can't be empty")}
		}
		if _, ok := kinds[exchange.Name]; ok {
			return &TopologyDeclarationError{Entity: "exchange", Name: exchange.Name, Err: fmt.Errorf("exchange declared twice")}
		}
		kinds[exchange.Name] = exchange.Kind
	}

	seen := make(map[string]bool, len(tc.Queues))
	for _, queue := range tc.Queues {
		if queue.Name == "" {
			return &TopologyDeclarationError{Entity: "queue", Name: queue.Name, Err: fmt.Errorf("queue name can't be empty")}
		}
		if seen[queue.Name] {
			return &TopologyDeclarationError{Entity: "queue", Name: queue.Name, Err: fmt.Errorf("queue declared twice")}
		}
		seen[queue.Name] = true

		if _, ok := kinds[queue.Exchange]; !ok {
			return &TopologyDeclarationError{Entity: "queue", Name: queue.Name, Err: fmt.Errorf("bound exchange %q is not declared", queue.Exchange)}
		}

		if queue.DeadLetterExchange != "" {
			kind, ok := kinds[queue.DeadLetterExchange]
			if !ok {
				return &TopologyDeclarationError{Entity: "queue", Name: queue.Name, Err: fmt.Errorf("dead-letter exchange %q is not declared", queue.DeadLetterExchange)}
			}
			if kind != ExchangeKindDirect {
				return &TopologyDeclarationError{Entity: "queue", Name: queue.Name, Err: fmt.Errorf("dead-letter exchange %q must be direct, is %q", queue.DeadLetterExchange, kind)}
			}
		}
	}

	return nil
}

// FindQueue returns the queue declaration by name, or nil.
func (tc *TopologyConfig) FindQueue(name string) *Queue {
	for _, queue := range tc.Queues {
		if queue.Name == name {
			return queue
		}
	}
	return nil
}

// DeadLetterKeys returns every distinct dead-letter routing key configured on
// any queue. The dead-letter exchange is direct, so the catch-all dead.letters
// queue is bound once per key to collect everything.
func (tc *TopologyConfig) DeadLetterKeys() []string {
	seen := make(map[string]bool)
	keys := make([]string, 0, len(tc.Queues))

	for _, queue := range tc.Queues {
		if queue.DeadLetterRoutingKey == "" || seen[queue.DeadLetterRoutingKey] {
			continue
		}
		seen[queue.DeadLetterRoutingKey] = true
		keys = append(keys, queue.DeadLetterRoutingKey)
	}

	return keys
}

func businessQueue(name, exchange, bindingKey string) *Queue {
	return &Queue{
		Name:                 name,
		Durable:              true,
		Exchange:             exchange,
		BindingKey:           bindingKey,
		DeadLetterExchange:   DeadLetterExchange,
		DeadLetterRoutingKey: DeadRoutingKey(bindingKey),
	}
}

func plainQueue(name, exchange, bindingKey string) *Queue {
	return &Queue{
		Name:       name,
		Durable:    true,
		Exchange:   exchange,
		BindingKey: bindingKey,
	}
}

// PlatformTopology returns the full givebridge exchange/queue/binding set.
// Every business queue dead-letters into dl_exchange with the
// <binding-key>.dead convention; heartbeat, auth, audit and the dead-letter
// queue itself do not.
func PlatformTopology() *TopologyConfig {
	return &TopologyConfig{
		Exchanges: []*Exchange{
			{Name: HeartbeatExchange, Kind: ExchangeKindTopic, Durable: true},
			{Name: AuthExchange, Kind: ExchangeKindTopic, Durable: true},
			{Name: EventsExchange, Kind: ExchangeKindTopic, Durable: true},
			{Name: DonationExchange, Kind: ExchangeKindTopic, Durable: true},
			{Name: CampaignExchange, Kind: ExchangeKindTopic, Durable: true},
			{Name: VerificationExchange, Kind: ExchangeKindTopic, Durable: true},
			{Name: NotificationExchange, Kind: ExchangeKindTopic, Durable: true},
			{Name: BlockchainExchange, Kind: ExchangeKindTopic, Durable: true},
			{Name: DeadLetterExchange, Kind: ExchangeKindDirect, Durable: true},
		},
		Queues: []*Queue{
			businessQueue(DonationNewQueue, DonationExchange, DonationCreatedKey),
			businessQueue(DonationStatusQueue, DonationExchange, DonationProcessedKey),
			businessQueue(DonationRefundQueue, DonationExchange, DonationRefundKey),

			businessQueue(CampaignDonationCreatedQueue, DonationExchange, DonationCreatedKey),
			businessQueue(CampaignDonationProcessedQueue, DonationExchange, DonationProcessedKey),
			businessQueue(CampaignVerificationApprovedQueue, VerificationExchange, VerificationApprovedKey),
			businessQueue(CampaignVerificationRejectedQueue, VerificationExchange, VerificationRejectedKey),

			businessQueue(VerificationRequestsQueue, VerificationExchange, VerificationRequestedKey),

			businessQueue(NotificationEmailQueue, NotificationExchange, NotificationEmailKey),
			businessQueue(NotificationSMSQueue, NotificationExchange, NotificationSMSKey),
			businessQueue(NotificationCampaignEventsQueue, CampaignExchange, "campaign.#"),

			businessQueue(BlockchainConfirmationsQueue, BlockchainExchange, BlockchainConfirmationKey),
			businessQueue(BlockchainTransactionsQueue, BlockchainExchange, BlockchainTransactionKey),

			plainQueue(AuthEventsQueue, AuthExchange, "auth.#"),
			plainQueue(HeartbeatMonitorQueue, HeartbeatExchange, "heartbeat.#"),
			plainQueue(EventsAuditQueue, EventsExchange, "#"),
		},
	}
}

package eventbus

// Redis Key 定义
const (
	// KeyPurchaseExceptions 购买异常事件 Stream
	KeyPurchaseExceptions = "nodefleet:events:purchase_exception"

	// MaxStreamLength Stream 最大长度（近似裁剪）
	MaxStreamLength = 10000
)

// EventTypePurchaseException 事件类型
const EventTypePurchaseException = "node.purchase.exception"

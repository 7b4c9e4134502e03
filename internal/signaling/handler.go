package signaling

// handle routes one server push.
func (c *Client) handle(msg *Message) {
	switch msg.Type {
	case MessageTypeRecordChanged:
		if msg.Record == nil || msg.Record.ID == "" {
			c.logger.Debug("record_changed without record", "record", msg.RecordID)
			return
		}
		c.broker.Publish(*msg.Record)

	case MessageTypeSubscribed:
		c.logger.Debug("subscribed", "record", msg.RecordID)

	case MessageTypeError:
		c.logger.Warn("record server error", "record", msg.RecordID, "error", msg.Error)

	default:
		c.logger.Debug("unknown message type", "type", msg.Type)
	}
}

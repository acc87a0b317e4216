package robotlink

// Sender writes one line to the robot.
type Sender interface {
	SendCommand(string) error
}

// Publisher adapts a Sender to the filter loop's output interface.
type Publisher struct {
	link  Sender
	close func() error
}

// NewPublisher publishes over link. closeFn, if non-nil, runs on Close.
func NewPublisher(link Sender, closeFn func() error) *Publisher {
	return &Publisher{link: link, close: closeFn}
}

// PublishControl sends a velocity command.
func (p *Publisher) PublishControl(u []float64) error {
	return p.link.SendCommand(EncodeCommand(u))
}

// PublishSafetyValue sends the current certificate value.
func (p *Publisher) PublishSafetyValue(v float64) error {
	return p.link.SendCommand(EncodeSafetyValue(v))
}

// Close releases the link.
func (p *Publisher) Close() error {
	if p.close == nil {
		return nil
	}
	return p.close()
}

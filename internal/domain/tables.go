package domain

var Tables = []interface{}{
	// System
	&SysUser{},
	&SysApiKey{},
	// WhatsApp
	&WhatsAppDevice{},
	&WhatsAppMessage{},
}

// Package messaging delivers commitment updates to people: short posts
// to team channels over MQTT and e-mail to customers and stakeholders
// over SMTP.
package messaging

// Package pubsub — publish/subscribe через fanout, direct и topic обменники.
//
// Emitter объявляет обменник и публикует в него. Subscriber заводит
// приватную очередь (exclusive, имя от брокера), привязывает её по ключам
// и читает с auto-ack: пропущенные сообщения не переотправляются.
package pubsub

package connmgr

import (
    "github.com/google/uuid"
    . "github.com/onsi/ginkgo/v2"
    . "github.com/onsi/gomega"

    "github.com/kabeersohail/BluetoothCommunication/internal/transport"
)

var _ = Describe("Options", func() {
    It("fills the SPP record and buffer size", func() {
        o := Options{}.withDefaults()
        Expect(o.Service).To(Equal(transport.DefaultServiceRecord()))
        Expect(o.ReadBufferSize).To(Equal(DefaultReadBufferSize))
        Expect(o.Logger).NotTo(BeNil())
    })

    It("keeps configured fields", func() {
        id := uuid.MustParse("6e400001-b5a3-f393-e0a9-e50e24dcca9e")
        o := Options{
            Service:        transport.ServiceRecord{Name: "telemetry", UUID: id},
            ReadBufferSize: 64,
        }.withDefaults()
        Expect(o.Service.Name).To(Equal("telemetry"))
        Expect(o.Service.UUID).To(Equal(id))
        Expect(o.Service.Channel).To(Equal(transport.DefaultRFCOMMChannel))
        Expect(o.ReadBufferSize).To(Equal(64))
    })
})

var _ = DescribeTable("State names",
    func(s State, name string) {
        Expect(s.String()).To(Equal(name))
    },
    Entry(nil, StateIdle, "Idle"),
    Entry(nil, StateListening, "Listening"),
    Entry(nil, StateDialing, "Dialing"),
    Entry(nil, StateConnected, "Connected"),
    Entry(nil, State(42), "Unknown"),
)
